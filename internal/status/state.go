// Package status defines the data model shared by the status synchronization engine.
package status

import (
	"fmt"
	"strings"
)

// Kind identifies what sort of remote resource is being tracked.
type Kind string

const (
	KindOrder Kind = "order"
	KindJob   Kind = "job"
	KindProbe Kind = "probe"
)

// ParseKind converts a raw kind string into a Kind.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindOrder, KindJob, KindProbe:
		return k, nil
	default:
		return "", fmt.Errorf("unknown resource kind %q", raw)
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOrder, KindJob, KindProbe:
		return true
	default:
		return false
	}
}

// State is a status value of a tracked resource. The set of valid states is
// closed per Kind; anything else collapses to StateUnknown.
type State string

// Shared fallback.
const StateUnknown State = "unknown"

// Order and job tracking states.
const (
	StateUploaded    State = "uploaded"
	StateReceived    State = "received"
	StateProcessing  State = "processing"
	StatePrinting    State = "printing"
	StateAnalyzing   State = "analyzing"
	StateShipped     State = "shipped"
	StateCalculating State = "calculating"
	StateDelivered   State = "delivered"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Health probe states.
const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Known reports whether s is a recognized state.
func (s State) Known() bool {
	return s != "" && s != StateUnknown
}

func (s State) String() string {
	if s == "" {
		return string(StateUnknown)
	}
	return string(s)
}

// progression lists each kind's states in forward order. Failed sits outside
// the linear order and is reachable from any non-terminal state.
var progression = map[Kind][]State{
	KindOrder: {StateReceived, StateProcessing, StatePrinting, StateShipped, StateDelivered},
	KindJob:   {StateUploaded, StateReceived, StateProcessing, StateAnalyzing, StateCalculating, StateCompleted},
	KindProbe: {StateHealthy, StateDegraded, StateUnhealthy},
}

// aliases maps upstream spellings to canonical states. Entries are scoped per
// kind so "error" can mean failed for a job and unhealthy for a probe.
var aliases = map[Kind]map[string]State{
	KindOrder: {
		"pending":     StateReceived,
		"new":         StateReceived,
		"in_progress": StateProcessing,
		"dispatched":  StateShipped,
		"error":       StateFailed,
		"cancelled":   StateFailed,
	},
	KindJob: {
		"queued":      StateReceived,
		"pending":     StateReceived,
		"in_progress": StateProcessing,
		"quoting":     StateCalculating,
		"done":        StateCompleted,
		"complete":    StateCompleted,
		"error":       StateFailed,
	},
	KindProbe: {
		"up":               StateHealthy,
		"ok":               StateHealthy,
		"operational":      StateHealthy,
		"warn":             StateDegraded,
		"warning":          StateDegraded,
		"service_degraded": StateDegraded,
		"partial_outage":   StateDegraded,
		"down":             StateUnhealthy,
		"error":            StateUnhealthy,
		"major_outage":     StateUnhealthy,
	},
}

// ParseState normalizes a raw upstream status into one of the kind's states.
// Unrecognized input yields StateUnknown rather than an error.
func (k Kind) ParseState(raw string) State {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.ReplaceAll(norm, "-", "_")
	norm = strings.ReplaceAll(norm, " ", "_")
	if norm == "" {
		return StateUnknown
	}

	candidate := State(norm)
	if k.Allows(candidate) {
		return candidate
	}
	if s, ok := aliases[k][norm]; ok {
		return s
	}
	return StateUnknown
}

// Allows reports whether s belongs to the kind's closed state set.
func (k Kind) Allows(s State) bool {
	if s == StateFailed {
		return k == KindOrder || k == KindJob
	}
	for _, candidate := range progression[k] {
		if candidate == s {
			return true
		}
	}
	return false
}

// States returns the kind's states in forward order, failed last where it applies.
func (k Kind) States() []State {
	states := append([]State(nil), progression[k]...)
	if k == KindOrder || k == KindJob {
		states = append(states, StateFailed)
	}
	return states
}

// IsTerminal reports whether no further transitions are expected from s.
// Probes have no terminal state.
func (k Kind) IsTerminal(s State) bool {
	switch k {
	case KindOrder:
		return s == StateDelivered || s == StateFailed
	case KindJob:
		return s == StateCompleted || s == StateFailed
	default:
		return false
	}
}

// Rank returns the position of s in the kind's forward progression, or -1
// for failed, unknown, or foreign states.
func (k Kind) Rank(s State) int {
	for i, candidate := range progression[k] {
		if candidate == s {
			return i
		}
	}
	return -1
}
