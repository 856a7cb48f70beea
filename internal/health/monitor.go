package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/livestatus/livestatus/internal/notify"
	"github.com/livestatus/livestatus/internal/reconcile"
	"github.com/livestatus/livestatus/internal/status"
)

// ErrAlreadyStarted is returned by Start on a running monitor.
var ErrAlreadyStarted = errors.New("health monitor already started")

// SystemLabel names the aggregate in notifications.
const SystemLabel = "System"

// MonitorConfig holds configuration for the health monitor.
type MonitorConfig struct {
	// Source produces probe batches. Required for Sweep.
	Source ProbeSource

	// Reconciler holds the probe statuses. Required.
	Reconciler *reconcile.Reconciler

	// Policy and Dispatcher turn aggregate changes into notifications.
	// Either may be nil to disable notifications.
	Policy     *notify.Policy
	Dispatcher *notify.Dispatcher

	// Interval is the sweep schedule (default: 30s).
	Interval time.Duration

	// SweepTimeout bounds one sweep (default: 15s).
	SweepTimeout time.Duration

	// OnResult observes every probe observation's reconcile outcome.
	OnResult func(reconcile.TransitionResult)

	Logger zerolog.Logger

	// Now returns the local clock (default: time.Now).
	Now func() time.Time
}

// ProbeStatus is one probe's canonical status with its last sweep details.
type ProbeStatus struct {
	status.CanonicalStatus
	LatencyMs float64 `json:"latencyMs,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Monitor sweeps probe sources into the reconciler and keeps the aggregate
// health verdict, notifying when the overall state changes.
type Monitor struct {
	source       ProbeSource
	reconciler   *reconcile.Reconciler
	policy       *notify.Policy
	dispatcher   *notify.Dispatcher
	interval     time.Duration
	sweepTimeout time.Duration
	onResult     func(reconcile.TransitionResult)
	logger       zerolog.Logger
	now          func() time.Time

	group singleflight.Group

	// notifyMu orders aggregate changes and their dispatch.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	owned     map[string]struct{}
	latencies map[string]float64
	errors    map[string]string
	// unrecognized holds swept probes whose last report had no known state,
	// keyed by id with the sweep time.
	unrecognized map[string]time.Time
	last         status.AggregateHealth

	cronMu  sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	initial sync.WaitGroup
}

// NewMonitor creates a new health monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.SweepTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Monitor{
		source:       cfg.Source,
		reconciler:   cfg.Reconciler,
		policy:       cfg.Policy,
		dispatcher:   cfg.Dispatcher,
		interval:     interval,
		sweepTimeout: timeout,
		onResult:     cfg.OnResult,
		logger:       cfg.Logger,
		now:          now,
		owned:        make(map[string]struct{}),
		latencies:    make(map[string]float64),
		errors:       make(map[string]string),
		unrecognized: make(map[string]time.Time),
		last:         Aggregate(nil, nil, now()),
	}
}

// Sweep fetches one probe batch, feeds it to the reconciler and recomputes
// the aggregate. Concurrent calls share a single sweep.
//
// On a source failure the probe statuses are left untouched and the last
// verdict is returned with the error.
func (m *Monitor) Sweep(ctx context.Context) (status.AggregateHealth, error) {
	v, err, shared := m.group.Do("sweep", func() (any, error) {
		return m.sweep(ctx)
	})
	if shared {
		m.logger.Debug().Msg("health sweep coalesced")
	}
	return v.(status.AggregateHealth), err
}

func (m *Monitor) sweep(ctx context.Context) (status.AggregateHealth, error) {
	if m.source == nil {
		return m.Health(), errors.New("health monitor has no probe source")
	}

	sweepCtx, cancel := context.WithTimeout(ctx, m.sweepTimeout)
	defer cancel()

	start := time.Now()
	results, err := m.source.Probes(sweepCtx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("health sweep failed")
		return m.Health(), fmt.Errorf("health sweep: %w", err)
	}

	observedAt := m.now()
	seen := make(map[string]struct{}, len(results))

	m.mu.Lock()
	for _, r := range results {
		id := strings.TrimSpace(r.Service)
		if id == "" {
			continue
		}
		seen[id] = struct{}{}

		if r.ResponseTimeMs > 0 {
			m.latencies[id] = r.ResponseTimeMs
		} else {
			delete(m.latencies, id)
		}
		if r.Error != "" {
			m.errors[id] = r.Error
		} else {
			delete(m.errors, id)
		}

		state := status.KindProbe.ParseState(r.Status)
		res := m.reconciler.Observe(status.Observation{
			ResourceID: id,
			Kind:       status.KindProbe,
			State:      state,
			Raw:        r.Status,
			Timestamp:  observedAt,
			Source:     status.SourcePoll,
			Error:      r.Error,
		})
		if m.onResult != nil {
			m.onResult(res)
		}

		// The probe answered, but with nothing we can grade: it counts as
		// unknown until it reports a known state again.
		if !state.Known() {
			m.reconciler.Forget(id)
			m.unrecognized[id] = observedAt
			m.logger.Warn().Str("probe", id).Str("status", r.Status).Msg("unrecognized probe status")
		} else {
			delete(m.unrecognized, id)
		}
	}

	// Probes missing from a successful batch are no longer part of the set.
	for id := range m.owned {
		if _, ok := seen[id]; !ok {
			m.reconciler.Forget(id)
			delete(m.latencies, id)
			delete(m.errors, id)
			delete(m.unrecognized, id)
		}
	}
	m.owned = seen
	m.mu.Unlock()

	agg := m.Recompute(ctx)

	m.logger.Debug().
		Int("probes", len(seen)).
		Str("overall", agg.Overall.String()).
		Dur("duration", time.Since(start)).
		Msg("health sweep completed")

	return agg, nil
}

// Recompute aggregates every probe status held by the reconciler, plus swept
// probes with an unrecognized status, and emits a notification when the
// overall state changed. Notifications leave in the order the changes were
// computed.
func (m *Monitor) Recompute(ctx context.Context) status.AggregateHealth {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	agg := Aggregate(m.statusesLocked(), m.latencies, m.now())
	prev := m.last.Overall
	m.last = agg
	m.mu.Unlock()

	if prev == agg.Overall {
		return agg
	}

	m.logger.Info().
		Str("from", prev.String()).
		Str("to", agg.Overall.String()).
		Int("health_percentage", agg.HealthPercentage).
		Msg("aggregate health changed")

	if m.policy == nil || m.dispatcher == nil {
		return agg
	}
	event := m.policy.OnTransition(notify.Transition{
		ResourceID: notify.SystemResourceID,
		Label:      SystemLabel,
		Kind:       status.KindProbe,
		From:       prev,
		To:         agg.Overall,
	})
	if event != nil {
		m.dispatcher.Dispatch(ctx, *event)
	}
	return agg
}

// statusesLocked returns the probe statuses with unrecognized probes as
// unknown. Callers hold m.mu.
func (m *Monitor) statusesLocked() []status.CanonicalStatus {
	statuses := m.reconciler.ListByKind(status.KindProbe)
	if len(m.unrecognized) == 0 {
		return statuses
	}

	known := make(map[string]struct{}, len(statuses))
	for _, cs := range statuses {
		known[cs.ResourceID] = struct{}{}
	}
	for id, at := range m.unrecognized {
		if _, ok := known[id]; ok {
			continue
		}
		statuses = append(statuses, status.CanonicalStatus{
			ResourceID:     id,
			Kind:           status.KindProbe,
			CurrentState:   status.StateUnknown,
			LastObservedAt: at,
			LastSource:     status.SourcePoll,
			ReceivedAt:     at,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ResourceID < statuses[j].ResourceID })
	return statuses
}

// Health returns the last computed verdict.
func (m *Monitor) Health() status.AggregateHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := m.last
	agg.Counts = make(map[status.State]int, len(m.last.Counts))
	for k, v := range m.last.Counts {
		agg.Counts[k] = v
	}
	return agg
}

// Probes returns every probe status sorted by id.
func (m *Monitor) Probes() []ProbeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := m.statusesLocked()

	probes := make([]ProbeStatus, 0, len(statuses))
	for _, cs := range statuses {
		probes = append(probes, ProbeStatus{
			CanonicalStatus: cs,
			LatencyMs:       m.latencies[cs.ResourceID],
			Error:           m.errors[cs.ResourceID],
		})
	}
	return probes
}

// Start runs one sweep right away and then schedules a sweep every interval.
func (m *Monitor) Start(ctx context.Context) error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.cron != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := "@every " + m.interval.String()
	if _, err := c.AddFunc(spec, func() { _, _ = m.Sweep(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule health sweep %q: %w", spec, err)
	}

	m.cron = c
	m.cancel = cancel
	c.Start()

	m.logger.Info().Dur("interval", m.interval).Msg("health monitor started")

	m.initial.Add(1)
	go func() {
		defer m.initial.Done()
		_, _ = m.Sweep(ctx)
	}()
	return nil
}

// Stop stops the schedule, waits for a running sweep, and forgets the probes
// the monitor swept in. It is safe to call on a monitor that never started.
func (m *Monitor) Stop() {
	m.cronMu.Lock()
	c, cancel := m.cron, m.cancel
	m.cron, m.cancel = nil, nil
	m.cronMu.Unlock()

	if c != nil {
		cancel()
		<-c.Stop().Done()
		m.initial.Wait()
		m.logger.Info().Msg("health monitor stopped")
	}

	m.mu.Lock()
	for id := range m.owned {
		m.reconciler.Forget(id)
	}
	m.owned = make(map[string]struct{})
	m.latencies = make(map[string]float64)
	m.errors = make(map[string]string)
	m.unrecognized = make(map[string]time.Time)
	m.mu.Unlock()
}
