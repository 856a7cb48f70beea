package notify

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/livestatus/livestatus/internal/status"
)

// Gate reports whether a delivery path is currently allowed.
type Gate func(ctx context.Context) bool

// DispatcherConfig holds configuration for the dispatcher.
type DispatcherConfig struct {
	// Primary receives every dispatched event.
	Primary Sink

	// Native is the optional native-notification sink.
	Native Sink

	// NativePermitted gates Native. Nil means never permitted.
	NativePermitted Gate

	// Suppressed, when it returns true, drops events before any sink.
	Suppressed Gate

	// Logger for delivery failures.
	Logger zerolog.Logger
}

// DispatcherStats counts dispatcher outcomes.
type DispatcherStats struct {
	Dispatched int64 `json:"dispatched"`
	Suppressed int64 `json:"suppressed"`
	Failed     int64 `json:"failed"`
}

// Dispatcher hands each event to its sinks exactly once. Failed deliveries
// are logged and not retried.
type Dispatcher struct {
	primary         Sink
	native          Sink
	nativePermitted Gate
	suppressed      Gate
	logger          zerolog.Logger

	dispatched atomic.Int64
	dropped    atomic.Int64
	failed     atomic.Int64
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		primary:         cfg.Primary,
		native:          cfg.Native,
		nativePermitted: cfg.NativePermitted,
		suppressed:      cfg.Suppressed,
		logger:          cfg.Logger,
	}
}

// Dispatch delivers the event. It reports whether the event reached at least
// the dispatch stage (false when suppressed).
func (d *Dispatcher) Dispatch(ctx context.Context, event status.NotificationEvent) bool {
	if d.suppressed != nil && d.suppressed(ctx) {
		d.dropped.Add(1)
		d.logger.Debug().
			Str("event_id", event.ID).
			Str("resource_id", event.RelatedResourceID).
			Msg("notification suppressed")
		return false
	}

	d.dispatched.Add(1)

	if d.primary != nil {
		d.deliver(ctx, "primary", d.primary, event)
	}
	if d.native != nil && d.nativePermitted != nil && d.nativePermitted(ctx) {
		d.deliver(ctx, "native", d.native, event)
	}
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, name string, sink Sink, event status.NotificationEvent) {
	if err := sink.Notify(ctx, event); err != nil {
		d.failed.Add(1)
		d.logger.Warn().
			Err(err).
			Str("sink", name).
			Str("event_id", event.ID).
			Str("resource_id", event.RelatedResourceID).
			Msg("notification delivery failed")
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatched: d.dispatched.Load(),
		Suppressed: d.dropped.Load(),
		Failed:     d.failed.Load(),
	}
}
