// Package channel wraps a single push connection to one tracked resource.
//
// An Adapter never retries on its own: it reports closure through OnClosed
// and leaves reconnection to its owner.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/livestatus/livestatus/internal/status"
)

var (
	// ErrAlreadyOpen is returned by Open when a connection is open or being opened.
	ErrAlreadyOpen = errors.New("channel already open")

	// ErrNoDialer is returned by Open when no dialer handles the endpoint.
	ErrNoDialer = errors.New("no dialer for channel endpoint")

	// ErrClosedDuringOpen is returned by Open when Close won the race with the dial.
	ErrClosedDuringOpen = errors.New("channel closed while opening")
)

// Lifecycle is the connection state of an adapter.
type Lifecycle int32

const (
	Closed Lifecycle = iota
	Connecting
	Open
)

func (l Lifecycle) String() string {
	switch l {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// Dialer opens a push connection to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Conn is one open push connection. Receive blocks until a frame arrives or
// the connection fails; Close unblocks a pending Receive. A Receive error
// wrapping ErrMalformedFrame drops that frame only.
type Conn interface {
	Receive() ([]byte, error)
	Close() error
}

// Config holds configuration for an adapter.
type Config struct {
	// Dialer opens the connection. Required unless the resource is poll-only.
	Dialer Dialer

	// Logger for lifecycle and malformed frame diagnostics.
	Logger zerolog.Logger

	// Now returns the receipt time for frames without a timestamp (default: time.Now).
	Now func() time.Time

	// OnMalformed is called for every dropped frame.
	OnMalformed func(resourceID string, err error)
}

// Stats counts frames seen by an adapter across all its connections.
type Stats struct {
	Connections int64 `json:"connections"`
	Frames      int64 `json:"frames"`
	Malformed   int64 `json:"malformed"`
}

// Adapter is the push side of one tracked resource.
type Adapter struct {
	resource    status.TrackedResource
	dialer      Dialer
	logger      zerolog.Logger
	now         func() time.Time
	onMalformed func(string, error)

	state atomic.Int32

	mu        sync.Mutex
	conn      Conn
	done      chan struct{}
	closing   bool
	onMessage func(status.Observation)
	onClosed  func(error)

	connections atomic.Int64
	frames      atomic.Int64
	malformed   atomic.Int64
}

// New creates an adapter for resource. The adapter starts closed.
func New(resource status.TrackedResource, cfg Config) *Adapter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Adapter{
		resource:    resource,
		dialer:      cfg.Dialer,
		logger:      cfg.Logger.With().Str("resource_id", resource.ID).Str("endpoint", resource.ChannelEndpoint).Logger(),
		now:         now,
		onMalformed: cfg.OnMalformed,
	}
}

// Resource returns the tracked resource the adapter serves.
func (a *Adapter) Resource() status.TrackedResource {
	return a.resource
}

// Enabled reports whether the adapter will ever connect.
func (a *Adapter) Enabled() bool {
	return a.resource.PushEnabled()
}

// State returns the current lifecycle state.
func (a *Adapter) State() Lifecycle {
	return Lifecycle(a.state.Load())
}

// OnMessage registers the observation callback. Callbacks run on the
// connection's read goroutine and must not call Close.
func (a *Adapter) OnMessage(fn func(status.Observation)) {
	a.mu.Lock()
	a.onMessage = fn
	a.mu.Unlock()
}

// OnClosed registers the closure callback. It is called at most once per
// connection, and never for a closure initiated by Close.
func (a *Adapter) OnClosed(fn func(error)) {
	a.mu.Lock()
	a.onClosed = fn
	a.mu.Unlock()
}

// Open connects to the resource's channel endpoint. For a poll-only resource
// it does nothing and returns nil.
func (a *Adapter) Open(ctx context.Context) error {
	if !a.Enabled() {
		return nil
	}
	if a.dialer == nil {
		return ErrNoDialer
	}
	if !a.state.CompareAndSwap(int32(Closed), int32(Connecting)) {
		return ErrAlreadyOpen
	}

	a.mu.Lock()
	a.closing = false
	a.mu.Unlock()

	a.logger.Debug().Msg("opening push channel")

	conn, err := a.dialer.Dial(ctx, a.resource.ChannelEndpoint)
	if err != nil {
		a.state.Store(int32(Closed))
		a.logger.Warn().Err(err).Msg("push channel connect failed")
		return fmt.Errorf("dial %s: %w", a.resource.ChannelEndpoint, err)
	}

	done := make(chan struct{})

	a.mu.Lock()
	if a.closing {
		// Close ran while the dial was in flight.
		a.mu.Unlock()
		_ = conn.Close()
		a.state.Store(int32(Closed))
		return ErrClosedDuringOpen
	}
	a.conn = conn
	a.done = done
	a.mu.Unlock()

	a.state.Store(int32(Open))
	a.connections.Add(1)
	a.logger.Info().Msg("push channel open")

	go a.readLoop(conn, done)
	return nil
}

// Close closes the current connection, if any, and waits for its read loop
// to stop. It is safe to call on a never-opened adapter and more than once.
func (a *Adapter) Close() {
	a.mu.Lock()
	conn, done := a.conn, a.done
	a.closing = true
	a.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		a.logger.Debug().Err(err).Msg("push channel close returned error")
	}
	<-done
}

// Stats returns frame counters across all connections.
func (a *Adapter) Stats() Stats {
	return Stats{
		Connections: a.connections.Load(),
		Frames:      a.frames.Load(),
		Malformed:   a.malformed.Load(),
	}
}

func (a *Adapter) readLoop(conn Conn, done chan struct{}) {
	for {
		data, err := conn.Receive()
		if err != nil && !errors.Is(err, ErrMalformedFrame) {
			a.finish(conn, done, err)
			return
		}
		a.frames.Add(1)

		var obs status.Observation
		if err == nil {
			obs, err = ParseFrame(a.resource, data, a.now())
		}
		if err != nil {
			a.dropFrame(err, len(data))
			continue
		}

		a.mu.Lock()
		fn := a.onMessage
		a.mu.Unlock()
		if fn != nil {
			fn(obs)
		}
	}
}

func (a *Adapter) dropFrame(err error, size int) {
	a.malformed.Add(1)
	a.logger.Warn().Err(err).Int("bytes", size).Msg("dropping push frame")
	if a.onMalformed != nil {
		a.onMalformed(a.resource.ID, err)
	}
}

func (a *Adapter) finish(conn Conn, done chan struct{}, cause error) {
	a.mu.Lock()
	initiated := a.closing
	if a.conn == conn {
		a.conn = nil
		a.done = nil
	}
	fn := a.onClosed
	a.mu.Unlock()

	_ = conn.Close()
	a.state.Store(int32(Closed))
	close(done)

	if initiated {
		a.logger.Info().Msg("push channel closed")
		return
	}

	a.logger.Warn().Err(cause).Msg("push channel lost")
	if fn != nil {
		fn(cause)
	}
}
