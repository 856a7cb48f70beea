package status

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinPollInterval is the shortest poll cadence a resource may request.
const MinPollInterval = time.Second

// ErrInvalidResource is the sentinel behind every ConfigurationError.
var ErrInvalidResource = errors.New("invalid tracked resource")

// ConfigurationError reports a tracked resource that cannot be tracked at all.
type ConfigurationError struct {
	ResourceID string
	Field      string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.ResourceID == "" {
		return fmt.Sprintf("%s: %s %s", ErrInvalidResource, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s %q: %s %s", ErrInvalidResource, e.ResourceID, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidResource.
func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidResource
}

// TrackedResource identifies one remote thing being watched.
type TrackedResource struct {
	// ID is the opaque resource identifier (order id, job id, probe name).
	ID string

	// Kind selects the state machine.
	Kind Kind

	// Label is a human-readable name used in notifications. Defaults to ID.
	Label string

	// PollInterval is the poll fallback cadence.
	PollInterval time.Duration

	// ChannelEndpoint is the push channel address. Empty means poll-only.
	ChannelEndpoint string

	// ChannelEnabled gates the push channel even when an endpoint is set.
	ChannelEnabled bool

	// PollEndpoint overrides the fetcher's default status URL.
	PollEndpoint string
}

// Validate checks the resource and returns a *ConfigurationError on failure.
func (r TrackedResource) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &ConfigurationError{Field: "resourceId", Reason: "is required"}
	}
	if !r.Kind.Valid() {
		return &ConfigurationError{ResourceID: r.ID, Field: "kind", Reason: fmt.Sprintf("%q is not one of order, job, probe", r.Kind)}
	}
	if r.PollInterval <= 0 {
		return &ConfigurationError{ResourceID: r.ID, Field: "pollIntervalMs", Reason: "must be greater than zero"}
	}
	if r.PollInterval < MinPollInterval {
		return &ConfigurationError{ResourceID: r.ID, Field: "pollIntervalMs", Reason: fmt.Sprintf("must be at least %s", MinPollInterval)}
	}
	return nil
}

// DisplayName returns the label used in human-readable messages.
func (r TrackedResource) DisplayName() string {
	if r.Label != "" {
		return r.Label
	}
	return r.ID
}

// PushEnabled reports whether the resource wants a push channel.
func (r TrackedResource) PushEnabled() bool {
	return r.ChannelEnabled && strings.TrimSpace(r.ChannelEndpoint) != ""
}

// Source tells where an observation came from.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Observation is one raw fact received from either channel.
type Observation struct {
	ResourceID string
	Kind       Kind
	State      State

	// Raw is the upstream status string before normalization.
	Raw string

	Timestamp time.Time
	Source    Source

	// Detail carries any extra upstream fields as an opaque diagnostic payload.
	Detail map[string]any

	// Error is an upstream-reported error message, if any.
	Error string
}

// CanonicalStatus is the reconciler's authoritative view of one resource.
type CanonicalStatus struct {
	ResourceID     string    `json:"resourceId"`
	Kind           Kind      `json:"kind"`
	CurrentState   State     `json:"currentState"`
	PreviousState  *State    `json:"previousState,omitempty"`
	LastObservedAt time.Time `json:"lastObservedAt"`
	LastSource     Source    `json:"lastSource"`

	// ReceivedAt is the local time the last observation arrived, accepted or not.
	ReceivedAt time.Time `json:"receivedAt"`
}

// AggregateHealth is the derived verdict over a set of probe statuses.
type AggregateHealth struct {
	Overall          State         `json:"overall"`
	Counts           map[State]int `json:"counts"`
	Total            int           `json:"total"`
	AverageLatencyMs float64       `json:"averageLatencyMs"`
	HealthPercentage int           `json:"healthPercentage"`
	LastComputedAt   time.Time     `json:"lastComputedAt"`
}

// Severity grades a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeveritySuccess  Severity = "success"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// NotificationEvent is a user-facing message emitted once per worthy transition.
type NotificationEvent struct {
	ID                string    `json:"id"`
	Severity          Severity  `json:"severity"`
	Title             string    `json:"title"`
	Message           string    `json:"message"`
	RelatedResourceID string    `json:"relatedResourceId"`
	Kind              Kind      `json:"kind"`
	From              State     `json:"from"`
	To                State     `json:"to"`
	EmittedAt         time.Time `json:"emittedAt"`
}
