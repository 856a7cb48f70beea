package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/livestatus/livestatus/internal/status"
)

// Sink is a presentation collaborator that receives notification events.
type Sink interface {
	Notify(ctx context.Context, event status.NotificationEvent) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, event status.NotificationEvent) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, event status.NotificationEvent) error {
	return f(ctx, event)
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs events.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify logs the event at a level matching its severity.
func (s *LogSink) Notify(_ context.Context, event status.NotificationEvent) error {
	var e *zerolog.Event
	switch event.Severity {
	case status.SeverityCritical, status.SeverityError:
		e = s.logger.Error()
	case status.SeverityWarning:
		e = s.logger.Warn()
	default:
		e = s.logger.Info()
	}

	e.Str("event_id", event.ID).
		Str("severity", string(event.Severity)).
		Str("resource_id", event.RelatedResourceID).
		Str("kind", string(event.Kind)).
		Str("from", event.From.String()).
		Str("to", event.To.String()).
		Str("title", event.Title).
		Msg(event.Message)
	return nil
}

// MultiSink fans an event out to several sinks. Every sink is called even
// when an earlier one fails; the errors are joined.
type MultiSink []Sink

// Notify delivers the event to every sink.
func (m MultiSink) Notify(ctx context.Context, event status.NotificationEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
