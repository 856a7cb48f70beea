// Package reconcile holds the canonical status of every tracked resource and
// merges observations arriving from the push channel and the poll fallback.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/livestatus/livestatus/internal/status"
)

// Reason explains why an observation was not applied as a transition.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonStale        Reason = "stale"
	ReasonSuperseded   Reason = "superseded"
	ReasonUnrecognized Reason = "unrecognized"
	ReasonKindMismatch Reason = "kind_mismatch"
)

// TransitionResult is the outcome of one Observe call.
type TransitionResult struct {
	ResourceID string
	Kind       status.Kind

	// Changed is true only when the canonical state moved to a new value.
	Changed bool

	// Accepted is false when the observation was discarded; Reason says why.
	Accepted bool

	From   status.State
	To     status.State
	Reason Reason
}

// Config holds configuration for the reconciler.
type Config struct {
	// Logger for reconciliation decisions.
	Logger zerolog.Logger

	// Now returns the local clock (default: time.Now).
	Now func() time.Time
}

// Reconciler is the only writer of CanonicalStatus values.
type Reconciler struct {
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*status.CanonicalStatus
}

// New creates a new reconciler.
func New(cfg Config) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Reconciler{
		logger:  cfg.Logger,
		now:     now,
		entries: make(map[string]*status.CanonicalStatus),
	}
}

// Observe merges one observation into the canonical status.
//
// Later timestamps win regardless of source. On equal timestamps a push-sourced
// state is not overwritten by a poll. Unrecognized states never replace a
// known one.
func (r *Reconciler) Observe(obs status.Observation) TransitionResult {
	receivedAt := r.now()
	observedAt := obs.Timestamp
	if observedAt.IsZero() {
		observedAt = receivedAt
	}

	result := TransitionResult{
		ResourceID: obs.ResourceID,
		Kind:       obs.Kind,
		To:         obs.State,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[obs.ResourceID]
	if exists {
		entry.ReceivedAt = receivedAt
		result.Kind = entry.Kind
		result.From = entry.CurrentState
	}

	if !obs.State.Known() || !obs.Kind.Allows(obs.State) {
		result.Reason = ReasonUnrecognized
		r.discard(obs, result)
		return result
	}

	if !exists {
		r.entries[obs.ResourceID] = &status.CanonicalStatus{
			ResourceID:     obs.ResourceID,
			Kind:           obs.Kind,
			CurrentState:   obs.State,
			LastObservedAt: observedAt,
			LastSource:     obs.Source,
			ReceivedAt:     receivedAt,
		}
		result.Accepted = true
		result.Changed = true
		result.From = status.StateUnknown
		return result
	}

	if entry.Kind != obs.Kind {
		result.Reason = ReasonKindMismatch
		r.discard(obs, result)
		return result
	}

	if observedAt.Before(entry.LastObservedAt) {
		result.Reason = ReasonStale
		r.discard(obs, result)
		return result
	}

	tie := observedAt.Equal(entry.LastObservedAt)

	if obs.State == entry.CurrentState {
		result.Accepted = true
		entry.LastObservedAt = observedAt
		// A same-instant poll must not weaken a push-sourced claim.
		if !(tie && obs.Source == status.SourcePoll && entry.LastSource == status.SourcePush) {
			entry.LastSource = obs.Source
		}
		return result
	}

	if tie && obs.Source == status.SourcePoll && entry.LastSource == status.SourcePush {
		result.Reason = ReasonSuperseded
		r.discard(obs, result)
		return result
	}

	prev := entry.CurrentState
	entry.PreviousState = &prev
	entry.CurrentState = obs.State
	entry.LastObservedAt = observedAt
	entry.LastSource = obs.Source

	result.Accepted = true
	result.Changed = true

	r.logger.Debug().
		Str("resource_id", obs.ResourceID).
		Str("source", string(obs.Source)).
		Str("from", prev.String()).
		Str("to", obs.State.String()).
		Msg("status transition")

	return result
}

func (r *Reconciler) discard(obs status.Observation, result TransitionResult) {
	r.logger.Debug().
		Str("resource_id", obs.ResourceID).
		Str("source", string(obs.Source)).
		Str("state", obs.State.String()).
		Str("raw", obs.Raw).
		Str("reason", string(result.Reason)).
		Msg("observation discarded")
}

// Get returns a copy of the canonical status for a resource.
func (r *Reconciler) Get(resourceID string) (status.CanonicalStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[resourceID]
	if !ok {
		return status.CanonicalStatus{}, false
	}
	return copyStatus(entry), true
}

// List returns copies of all canonical statuses ordered by resource id.
func (r *Reconciler) List() []status.CanonicalStatus {
	return r.list(func(*status.CanonicalStatus) bool { return true })
}

// ListByKind returns copies of the canonical statuses of one kind.
func (r *Reconciler) ListByKind(kind status.Kind) []status.CanonicalStatus {
	return r.list(func(cs *status.CanonicalStatus) bool { return cs.Kind == kind })
}

func (r *Reconciler) list(keep func(*status.CanonicalStatus) bool) []status.CanonicalStatus {
	r.mu.RLock()
	out := make([]status.CanonicalStatus, 0, len(r.entries))
	for _, entry := range r.entries {
		if keep(entry) {
			out = append(out, copyStatus(entry))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// Forget discards the canonical status of a resource. Forgetting an unknown
// id is a no-op.
func (r *Reconciler) Forget(resourceID string) {
	r.mu.Lock()
	delete(r.entries, resourceID)
	r.mu.Unlock()
}

// Len returns the number of resources with a canonical status.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func copyStatus(cs *status.CanonicalStatus) status.CanonicalStatus {
	out := *cs
	if cs.PreviousState != nil {
		prev := *cs.PreviousState
		out.PreviousState = &prev
	}
	return out
}
