// Package notify turns accepted status transitions into user-facing
// notification events and hands them to presentation sinks.
package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/livestatus/livestatus/internal/status"
)

// SystemResourceID names the aggregate health verdict in notifications.
const SystemResourceID = "system"

// Transition is one accepted change of a canonical state.
type Transition struct {
	ResourceID string
	Label      string
	Kind       status.Kind
	From       status.State
	To         status.State
}

func (t Transition) name() string {
	if t.Label != "" {
		return t.Label
	}
	return t.ResourceID
}

type template struct {
	severity status.Severity
	title    string
	message  string // may contain one %s for the resource name
}

// healthTemplates are keyed by target state; degraded depends on where it came from.
var healthTemplates = map[status.State]template{
	status.StateUnhealthy: {status.SeverityCritical, "System health critical", "Critical system issues detected"},
	status.StateHealthy:   {status.SeveritySuccess, "System healthy", "All systems operational"},
}

var degradedTemplates = map[status.State]template{
	status.StateHealthy:   {status.SeverityWarning, "System degraded", "Some services are experiencing issues"},
	status.StateUnhealthy: {status.SeverityWarning, "System recovering", "System partially recovered"},
}

var stepTemplates = map[status.Kind]map[status.State]template{
	status.KindOrder: {
		status.StateReceived:   {status.SeverityInfo, "Order received", "%s has been received"},
		status.StateProcessing: {status.SeverityInfo, "Order in production", "%s is being processed"},
		status.StatePrinting:   {status.SeverityInfo, "Order printing", "%s is being printed"},
		status.StateShipped:    {status.SeverityInfo, "Order shipped", "%s has shipped"},
		status.StateDelivered:  {status.SeveritySuccess, "Order delivered", "%s has been delivered"},
		status.StateFailed:     {status.SeverityError, "Order failed", "%s could not be completed"},
	},
	status.KindJob: {
		status.StateUploaded:    {status.SeverityInfo, "File uploaded", "%s was uploaded"},
		status.StateReceived:    {status.SeverityInfo, "File received", "%s was received for processing"},
		status.StateProcessing:  {status.SeverityInfo, "Processing file", "%s is being processed"},
		status.StateAnalyzing:   {status.SeverityInfo, "Analyzing file", "%s is being analyzed"},
		status.StateCalculating: {status.SeverityInfo, "Calculating quote", "Calculating a quote for %s"},
		status.StateCompleted:   {status.SeveritySuccess, "Quote ready", "Processing of %s is complete"},
		status.StateFailed:      {status.SeverityError, "Processing failed", "Processing of %s failed"},
	},
}

// PolicyConfig holds configuration for the notification policy.
type PolicyConfig struct {
	// Now returns the emission time (default: time.Now).
	Now func() time.Time

	// NewID returns a unique event id (default: uuid.NewString).
	NewID func() string
}

// Policy decides which transitions deserve a notification and renders them.
type Policy struct {
	now   func() time.Time
	newID func() string
}

// NewPolicy creates a new notification policy.
func NewPolicy(cfg PolicyConfig) *Policy {
	p := &Policy{now: cfg.Now, newID: cfg.NewID}
	if p.now == nil {
		p.now = time.Now
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	return p
}

// Worthy reports whether the transition should produce a notification.
// The first observation of a resource is a baseline and never notifies.
func (p *Policy) Worthy(t Transition) bool {
	if t.From == t.To || !t.From.Known() || !t.To.Known() {
		return false
	}
	return t.Kind.Allows(t.From) && t.Kind.Allows(t.To)
}

// OnTransition returns the notification for a worthy transition, or nil.
func (p *Policy) OnTransition(t Transition) *status.NotificationEvent {
	if !p.Worthy(t) {
		return nil
	}

	tmpl := p.lookup(t)
	message := tmpl.message
	if tmpl.message == "" {
		message = fmt.Sprintf("%s changed from %s to %s", t.name(), t.From, t.To)
	} else if t.Kind != status.KindProbe {
		message = fmt.Sprintf(tmpl.message, t.name())
	}

	return &status.NotificationEvent{
		ID:                p.newID(),
		Severity:          tmpl.severity,
		Title:             tmpl.title,
		Message:           message,
		RelatedResourceID: t.ResourceID,
		Kind:              t.Kind,
		From:              t.From,
		To:                t.To,
		EmittedAt:         p.now(),
	}
}

func (p *Policy) lookup(t Transition) template {
	fallback := template{severity: status.SeverityInfo, title: "Status changed"}

	if t.Kind == status.KindProbe {
		if t.To == status.StateDegraded {
			if tmpl, ok := degradedTemplates[t.From]; ok {
				return tmpl
			}
			return fallback
		}
		if tmpl, ok := healthTemplates[t.To]; ok {
			return tmpl
		}
		return fallback
	}

	// Failure is reachable from any non-terminal state; everything else must
	// move forward to use a step template.
	forward := t.To == status.StateFailed && !t.Kind.IsTerminal(t.From)
	if !forward {
		from, to := t.Kind.Rank(t.From), t.Kind.Rank(t.To)
		forward = from >= 0 && to > from
	}
	if !forward {
		return fallback
	}

	if tmpl, ok := stepTemplates[t.Kind][t.To]; ok {
		return tmpl
	}
	return fallback
}
