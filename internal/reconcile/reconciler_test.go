package reconcile_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livestatus/livestatus/internal/reconcile"
	"github.com/livestatus/livestatus/internal/status"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newReconciler() *reconcile.Reconciler {
	return reconcile.New(reconcile.Config{Logger: zerolog.Nop()})
}

func obs(id string, kind status.Kind, state status.State, at time.Time, src status.Source) status.Observation {
	return status.Observation{ResourceID: id, Kind: kind, State: state, Raw: string(state), Timestamp: at, Source: src}
}

func TestObserve_FirstObservationIsBaseline(t *testing.T) {
	r := newReconciler()

	res := r.Observe(obs("o-1", status.KindOrder, status.StateReceived, base, status.SourcePoll))

	assert.True(t, res.Changed)
	assert.True(t, res.Accepted)
	assert.Equal(t, status.StateUnknown, res.From)
	assert.Equal(t, status.StateReceived, res.To)

	cs, ok := r.Get("o-1")
	require.True(t, ok)
	assert.Equal(t, status.StateReceived, cs.CurrentState)
	assert.Nil(t, cs.PreviousState)
	assert.Equal(t, status.SourcePoll, cs.LastSource)
}

func TestObserve_RepeatedIdenticalStateIsNoOp(t *testing.T) {
	r := newReconciler()

	const n = 5
	changed := 0
	for i := 0; i < n; i++ {
		res := r.Observe(obs("p-api", status.KindProbe, status.StateHealthy, base.Add(time.Duration(i)*time.Second), status.SourcePoll))
		assert.True(t, res.Accepted)
		if res.Changed {
			changed++
		}
	}

	assert.Equal(t, 1, changed)

	cs, _ := r.Get("p-api")
	assert.Equal(t, base.Add(4*time.Second), cs.LastObservedAt)
	assert.Nil(t, cs.PreviousState)
}

func TestObserve_TransitionRecordsPrevious(t *testing.T) {
	r := newReconciler()
	r.Observe(obs("o-1", status.KindOrder, status.StateReceived, base, status.SourcePoll))

	res := r.Observe(obs("o-1", status.KindOrder, status.StateProcessing, base.Add(time.Second), status.SourcePush))

	assert.True(t, res.Changed)
	assert.Equal(t, status.StateReceived, res.From)
	assert.Equal(t, status.StateProcessing, res.To)

	cs, _ := r.Get("o-1")
	require.NotNil(t, cs.PreviousState)
	assert.Equal(t, status.StateReceived, *cs.PreviousState)
	assert.Equal(t, status.SourcePush, cs.LastSource)
}

func TestObserve_EqualTimestampPushWins(t *testing.T) {
	t.Run("push then poll", func(t *testing.T) {
		r := newReconciler()
		r.Observe(obs("o-1", status.KindOrder, status.StateReceived, base.Add(-time.Minute), status.SourcePoll))
		r.Observe(obs("o-1", status.KindOrder, status.StateShipped, base, status.SourcePush))

		res := r.Observe(obs("o-1", status.KindOrder, status.StatePrinting, base, status.SourcePoll))

		assert.False(t, res.Accepted)
		assert.Equal(t, reconcile.ReasonSuperseded, res.Reason)
		cs, _ := r.Get("o-1")
		assert.Equal(t, status.StateShipped, cs.CurrentState)
	})

	t.Run("poll then push", func(t *testing.T) {
		r := newReconciler()
		r.Observe(obs("o-1", status.KindOrder, status.StatePrinting, base, status.SourcePoll))

		res := r.Observe(obs("o-1", status.KindOrder, status.StateShipped, base, status.SourcePush))

		assert.True(t, res.Changed)
		cs, _ := r.Get("o-1")
		assert.Equal(t, status.StateShipped, cs.CurrentState)
	})

	t.Run("same-instant poll echo keeps push authority", func(t *testing.T) {
		r := newReconciler()
		r.Observe(obs("o-1", status.KindOrder, status.StateShipped, base, status.SourcePush))
		r.Observe(obs("o-1", status.KindOrder, status.StateShipped, base, status.SourcePoll))

		res := r.Observe(obs("o-1", status.KindOrder, status.StatePrinting, base, status.SourcePoll))

		assert.Equal(t, reconcile.ReasonSuperseded, res.Reason)
		cs, _ := r.Get("o-1")
		assert.Equal(t, status.StateShipped, cs.CurrentState)
		assert.Equal(t, status.SourcePush, cs.LastSource)
	})
}

func TestObserve_OlderObservationDiscarded(t *testing.T) {
	r := newReconciler()
	r.Observe(obs("job-7", status.KindJob, status.StateUploaded, base, status.SourcePoll))

	res := r.Observe(obs("job-7", status.KindJob, status.StateAnalyzing, base.Add(2*time.Second), status.SourcePush))
	assert.True(t, res.Changed)
	res = r.Observe(obs("job-7", status.KindJob, status.StateCalculating, base.Add(4*time.Second), status.SourcePush))
	assert.True(t, res.Changed)

	// Slower poll reports analyzing after calculating already landed.
	res = r.Observe(obs("job-7", status.KindJob, status.StateAnalyzing, base.Add(3*time.Second), status.SourcePoll))

	assert.False(t, res.Accepted)
	assert.False(t, res.Changed)
	assert.Equal(t, reconcile.ReasonStale, res.Reason)

	cs, _ := r.Get("job-7")
	assert.Equal(t, status.StateCalculating, cs.CurrentState)
	require.NotNil(t, cs.PreviousState)
	assert.Equal(t, status.StateAnalyzing, *cs.PreviousState)
	assert.Equal(t, base.Add(4*time.Second), cs.LastObservedAt)
}

func TestObserve_UnrecognizedNeverOverwrites(t *testing.T) {
	r := newReconciler()
	r.Observe(obs("p-db", status.KindProbe, status.StateHealthy, base, status.SourcePoll))

	res := r.Observe(obs("p-db", status.KindProbe, status.StateUnknown, base.Add(time.Second), status.SourcePoll))
	assert.False(t, res.Accepted)
	assert.Equal(t, reconcile.ReasonUnrecognized, res.Reason)

	res = r.Observe(obs("p-db", status.KindProbe, status.StateFailed, base.Add(2*time.Second), status.SourcePoll))
	assert.Equal(t, reconcile.ReasonUnrecognized, res.Reason)

	cs, _ := r.Get("p-db")
	assert.Equal(t, status.StateHealthy, cs.CurrentState)
}

func TestObserve_UnrecognizedFirstObservationCreatesNothing(t *testing.T) {
	r := newReconciler()

	res := r.Observe(obs("o-1", status.KindOrder, status.StateUnknown, base, status.SourcePush))

	assert.False(t, res.Accepted)
	_, ok := r.Get("o-1")
	assert.False(t, ok)
}

func TestObserve_ReceivedAtRefreshedOnDiscard(t *testing.T) {
	clock := base
	r := reconcile.New(reconcile.Config{Logger: zerolog.Nop(), Now: func() time.Time { return clock }})

	r.Observe(obs("o-1", status.KindOrder, status.StateShipped, base, status.SourcePush))
	clock = base.Add(time.Minute)
	r.Observe(obs("o-1", status.KindOrder, status.StateReceived, base.Add(-time.Hour), status.SourcePoll))

	cs, _ := r.Get("o-1")
	assert.Equal(t, base.Add(time.Minute), cs.ReceivedAt)
	assert.Equal(t, status.StateShipped, cs.CurrentState)
}

func TestObserve_ZeroTimestampUsesLocalClock(t *testing.T) {
	r := reconcile.New(reconcile.Config{Logger: zerolog.Nop(), Now: func() time.Time { return base }})

	r.Observe(obs("o-1", status.KindOrder, status.StateShipped, time.Time{}, status.SourcePush))

	cs, _ := r.Get("o-1")
	assert.Equal(t, base, cs.LastObservedAt)
}

func TestObserve_KindMismatchDiscarded(t *testing.T) {
	r := newReconciler()
	r.Observe(obs("x", status.KindOrder, status.StateReceived, base, status.SourcePoll))

	res := r.Observe(obs("x", status.KindJob, status.StateAnalyzing, base.Add(time.Second), status.SourcePoll))

	assert.Equal(t, reconcile.ReasonKindMismatch, res.Reason)
}

func TestListByKindAndForget(t *testing.T) {
	r := newReconciler()
	r.Observe(obs("p-b", status.KindProbe, status.StateHealthy, base, status.SourcePoll))
	r.Observe(obs("p-a", status.KindProbe, status.StateDegraded, base, status.SourcePoll))
	r.Observe(obs("o-1", status.KindOrder, status.StateReceived, base, status.SourcePoll))

	probes := r.ListByKind(status.KindProbe)
	require.Len(t, probes, 2)
	assert.Equal(t, "p-a", probes[0].ResourceID)
	assert.Len(t, r.List(), 3)

	r.Forget("p-a")
	r.Forget("p-a")
	r.Forget("never-tracked")

	assert.Equal(t, 2, r.Len())
	_, ok := r.Get("p-a")
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	r := newReconciler()
	r.Observe(obs("o-1", status.KindOrder, status.StateReceived, base, status.SourcePoll))
	r.Observe(obs("o-1", status.KindOrder, status.StateShipped, base.Add(time.Second), status.SourcePoll))

	cs, _ := r.Get("o-1")
	*cs.PreviousState = status.StateFailed
	cs.CurrentState = status.StateFailed

	again, _ := r.Get("o-1")
	assert.Equal(t, status.StateShipped, again.CurrentState)
	assert.Equal(t, status.StateReceived, *again.PreviousState)
}

func TestObserve_ConcurrentArrivals(t *testing.T) {
	r := newReconciler()
	r.Observe(obs("p-api", status.KindProbe, status.StateHealthy, base, status.SourcePoll))

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := status.StateHealthy
			if i%2 == 0 {
				state = status.StateDegraded
			}
			r.Observe(obs("p-api", status.KindProbe, state, base.Add(time.Duration(i)*time.Millisecond), status.SourcePush))
		}(i)
	}
	wg.Wait()

	cs, _ := r.Get("p-api")
	assert.Equal(t, base.Add(50*time.Millisecond), cs.LastObservedAt)
	assert.Equal(t, status.StateDegraded, cs.CurrentState)
}
