package tracker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/livestatus/livestatus/internal/reconcile"
	"github.com/livestatus/livestatus/internal/status"
)

const meterName = "github.com/livestatus/livestatus/internal/tracker"

// metrics holds the engine's OpenTelemetry instruments.
type metrics struct {
	observations  metric.Int64Counter
	discarded     metric.Int64Counter
	transitions   metric.Int64Counter
	notifications metric.Int64Counter
	reconnects    metric.Int64Counter
	malformed     metric.Int64Counter
	pollFailures  metric.Int64Counter
	tracked       metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	var (
		m   metrics
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.observations, "livestatus.observations", "Observations received, by source"},
		{&m.discarded, "livestatus.observations.discarded", "Observations discarded by the reconciler, by reason"},
		{&m.transitions, "livestatus.transitions", "Canonical state transitions, by kind"},
		{&m.notifications, "livestatus.notifications", "Notifications dispatched, by severity"},
		{&m.reconnects, "livestatus.channel.reconnects", "Push channel connect attempts after a failure or closure"},
		{&m.malformed, "livestatus.channel.malformed_frames", "Push frames dropped as malformed"},
		{&m.pollFailures, "livestatus.poll.failures", "Failed poll fetches"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{event}"))
		if err != nil {
			return nil, err
		}
	}

	m.tracked, err = meter.Int64UpDownCounter(
		"livestatus.tracked_resources",
		metric.WithDescription("Resources currently tracked"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *metrics) recordResult(ctx context.Context, source status.Source, res reconcile.TransitionResult) {
	m.observations.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(source))))
	if !res.Accepted {
		m.discarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(res.Reason))))
	}
	if res.Changed {
		m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(res.Kind))))
	}
}
