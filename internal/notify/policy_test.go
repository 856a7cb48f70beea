package notify_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livestatus/livestatus/internal/notify"
	"github.com/livestatus/livestatus/internal/reconcile"
	"github.com/livestatus/livestatus/internal/status"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newPolicy() *notify.Policy {
	return notify.NewPolicy(notify.PolicyConfig{
		Now:   func() time.Time { return fixedNow },
		NewID: func() string { return "evt-1" },
	})
}

func TestPolicy_DeduplicatesRepeatedProbeStates(t *testing.T) {
	r := reconcile.New(reconcile.Config{Logger: zerolog.Nop()})
	p := newPolicy()

	sequence := []status.State{
		status.StateHealthy,
		status.StateHealthy,
		status.StateDegraded,
		status.StateDegraded,
		status.StateUnhealthy,
	}

	var events []*status.NotificationEvent
	for i, s := range sequence {
		res := r.Observe(status.Observation{
			ResourceID: notify.SystemResourceID,
			Kind:       status.KindProbe,
			State:      s,
			Timestamp:  fixedNow.Add(time.Duration(i) * time.Second),
			Source:     status.SourcePoll,
		})
		if !res.Changed {
			continue
		}
		ev := p.OnTransition(notify.Transition{
			ResourceID: res.ResourceID,
			Kind:       res.Kind,
			From:       res.From,
			To:         res.To,
		})
		if ev != nil {
			events = append(events, ev)
		}
	}

	require.Len(t, events, 2)
	assert.Equal(t, status.StateHealthy, events[0].From)
	assert.Equal(t, status.StateDegraded, events[0].To)
	assert.Equal(t, status.SeverityWarning, events[0].Severity)
	assert.Equal(t, status.StateDegraded, events[1].From)
	assert.Equal(t, status.StateUnhealthy, events[1].To)
	assert.Equal(t, status.SeverityCritical, events[1].Severity)
}

func TestPolicy_HealthTemplates(t *testing.T) {
	tests := []struct {
		from, to status.State
		severity status.Severity
		message  string
	}{
		{status.StateHealthy, status.StateUnhealthy, status.SeverityCritical, "Critical system issues detected"},
		{status.StateDegraded, status.StateUnhealthy, status.SeverityCritical, "Critical system issues detected"},
		{status.StateHealthy, status.StateDegraded, status.SeverityWarning, "Some services are experiencing issues"},
		{status.StateUnhealthy, status.StateDegraded, status.SeverityWarning, "System partially recovered"},
		{status.StateDegraded, status.StateHealthy, status.SeveritySuccess, "All systems operational"},
		{status.StateUnhealthy, status.StateHealthy, status.SeveritySuccess, "All systems operational"},
	}

	p := newPolicy()
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			ev := p.OnTransition(notify.Transition{ResourceID: notify.SystemResourceID, Kind: status.KindProbe, From: tt.from, To: tt.to})
			require.NotNil(t, ev)
			assert.Equal(t, tt.severity, ev.Severity)
			assert.Equal(t, tt.message, ev.Message)
			assert.Equal(t, "evt-1", ev.ID)
			assert.Equal(t, fixedNow, ev.EmittedAt)
			assert.Equal(t, notify.SystemResourceID, ev.RelatedResourceID)
		})
	}
}

func TestPolicy_OrderAndJobSteps(t *testing.T) {
	tests := []struct {
		name     string
		kind     status.Kind
		from, to status.State
		severity status.Severity
		message  string
	}{
		{"order forward", status.KindOrder, status.StatePrinting, status.StateShipped, status.SeverityInfo, "Order #12 has shipped"},
		{"order delivered", status.KindOrder, status.StateShipped, status.StateDelivered, status.SeveritySuccess, "Order #12 has been delivered"},
		{"order failed", status.KindOrder, status.StateProcessing, status.StateFailed, status.SeverityError, "Order #12 could not be completed"},
		{"job skip ahead", status.KindJob, status.StateUploaded, status.StateCalculating, status.SeverityInfo, "Calculating a quote for Order #12"},
		{"job completed", status.KindJob, status.StateCalculating, status.StateCompleted, status.SeveritySuccess, "Processing of Order #12 is complete"},
		{"job failed", status.KindJob, status.StateAnalyzing, status.StateFailed, status.SeverityError, "Processing of Order #12 failed"},
		{"backward step falls back", status.KindOrder, status.StateShipped, status.StateProcessing, status.SeverityInfo, "Order #12 changed from shipped to processing"},
		{"leaving failed falls back", status.KindJob, status.StateFailed, status.StateProcessing, status.SeverityInfo, "Order #12 changed from failed to processing"},
	}

	p := newPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := p.OnTransition(notify.Transition{ResourceID: "o-12", Label: "Order #12", Kind: tt.kind, From: tt.from, To: tt.to})
			require.NotNil(t, ev)
			assert.Equal(t, tt.severity, ev.Severity)
			assert.Equal(t, tt.message, ev.Message)
			assert.Equal(t, "o-12", ev.RelatedResourceID)
		})
	}
}

func TestPolicy_NotWorthy(t *testing.T) {
	p := newPolicy()

	tests := []struct {
		name string
		tr   notify.Transition
	}{
		{"same state", notify.Transition{Kind: status.KindOrder, From: status.StateShipped, To: status.StateShipped}},
		{"first observation", notify.Transition{Kind: status.KindOrder, From: status.StateUnknown, To: status.StateReceived}},
		{"empty from", notify.Transition{Kind: status.KindJob, To: status.StateUploaded}},
		{"to unknown", notify.Transition{Kind: status.KindProbe, From: status.StateHealthy, To: status.StateUnknown}},
		{"foreign state", notify.Transition{Kind: status.KindProbe, From: status.StateHealthy, To: status.StateFailed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, p.Worthy(tt.tr))
			assert.Nil(t, p.OnTransition(tt.tr))
		})
	}
}

func TestPolicy_DefaultIDsAreUnique(t *testing.T) {
	p := notify.NewPolicy(notify.PolicyConfig{})
	tr := notify.Transition{ResourceID: "o-1", Kind: status.KindOrder, From: status.StateReceived, To: status.StateProcessing}

	a := p.OnTransition(tr)
	b := p.OnTransition(tr)

	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "o-1 is being processed", a.Message)
}
