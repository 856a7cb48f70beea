// Package tracker wires the push channel, the poll fallback, the reconciler
// and the notifier into one engine that tracks resources until released.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/livestatus/livestatus/internal/channel"
	"github.com/livestatus/livestatus/internal/featureflags"
	"github.com/livestatus/livestatus/internal/health"
	"github.com/livestatus/livestatus/internal/notify"
	"github.com/livestatus/livestatus/internal/poll"
	"github.com/livestatus/livestatus/internal/reconcile"
	"github.com/livestatus/livestatus/internal/status"
)

var (
	// ErrAlreadyTracked is returned by Track for an id that is already tracked.
	ErrAlreadyTracked = errors.New("resource already tracked")

	// ErrNotTracked is returned for operations on an unknown id.
	ErrNotTracked = errors.New("resource not tracked")

	// ErrClosed is returned by Track after Close.
	ErrClosed = errors.New("engine closed")

	errPushDisabled = errors.New("push channel disabled by feature flag")
)

// DefaultReconnectDelay is the fixed wait between push channel attempts.
const DefaultReconnectDelay = 5 * time.Second

// Disposer releases one tracked resource. Calling it more than once is safe.
type Disposer func()

// Config holds configuration for the engine.
type Config struct {
	// Fetcher performs poll fetches. Required.
	Fetcher poll.Fetcher

	// Dialer opens push channels. Nil makes every resource poll-only.
	Dialer channel.Dialer

	// Reconciler holds canonical statuses (default: a new reconciler).
	Reconciler *reconcile.Reconciler

	// Policy and Dispatcher notify order and job transitions. Either may be
	// nil to disable notifications.
	Policy     *notify.Policy
	Dispatcher *notify.Dispatcher

	// Monitor recomputes aggregate health on probe transitions. Optional.
	Monitor *health.Monitor

	// Flags gates push channels and sets the staleness grace. Optional.
	Flags *featureflags.Service

	// ReconnectDelay is the fixed push reconnect delay (default: 5s).
	ReconnectDelay time.Duration

	// FetchTimeout bounds each poll fetch (default: 10s).
	FetchTimeout time.Duration

	// Meter for engine metrics (default: the global meter).
	Meter metric.Meter

	Logger zerolog.Logger

	// Now returns the local clock (default: time.Now).
	Now func() time.Time
}

// View is a resource's canonical status as presented to callers.
type View struct {
	Resource status.TrackedResource

	// Status is nil until the first observation is accepted.
	Status *status.CanonicalStatus

	// Stale is set when nothing was received for the staleness grace period.
	Stale bool

	Channel   channel.Lifecycle
	TrackedAt time.Time
}

type tracked struct {
	resource  status.TrackedResource
	trackedAt time.Time
	adapter   *channel.Adapter

	cancel context.CancelFunc
	done   chan struct{}

	releaseOnce sync.Once
}

// Engine tracks resources and routes their observations.
type Engine struct {
	reconciler     *reconcile.Reconciler
	driver         *poll.Driver
	dialer         channel.Dialer
	policy         *notify.Policy
	dispatcher     *notify.Dispatcher
	monitor        *health.Monitor
	flags          *featureflags.Service
	reconnectDelay time.Duration
	metrics        *metrics
	logger         zerolog.Logger
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	resources map[string]*tracked
	closed    bool
}

// New creates a new engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("tracker: fetcher is required")
	}

	m, err := newMetrics(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("create engine metrics: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	rec := cfg.Reconciler
	if rec == nil {
		rec = reconcile.New(reconcile.Config{Logger: cfg.Logger, Now: now})
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		reconciler:     rec,
		dialer:         cfg.Dialer,
		policy:         cfg.Policy,
		dispatcher:     cfg.Dispatcher,
		monitor:        cfg.Monitor,
		flags:          cfg.Flags,
		reconnectDelay: delay,
		metrics:        m,
		logger:         cfg.Logger,
		now:            now,
		ctx:            ctx,
		cancel:         cancel,
		resources:      make(map[string]*tracked),
	}

	e.driver = poll.NewDriver(poll.Config{
		Fetcher:      cfg.Fetcher,
		Sink:         e.observe,
		Logger:       cfg.Logger,
		FetchTimeout: cfg.FetchTimeout,
		OnFetchError: func(string, error) { m.pollFailures.Add(ctx, 1) },
	})

	return e, nil
}

// Reconciler returns the engine's reconciler.
func (e *Engine) Reconciler() *reconcile.Reconciler {
	return e.reconciler
}

// PollMetrics returns the poll driver's counters.
func (e *Engine) PollMetrics() map[string]any {
	return e.driver.MetricsSnapshot()
}

// Track starts tracking resource: polling right away and, when the resource
// has an enabled push endpoint, a supervised push channel. A configuration
// error is the only failure that prevents tracking.
func (e *Engine) Track(ctx context.Context, resource status.TrackedResource) (Disposer, error) {
	if err := resource.Validate(); err != nil {
		return nil, err
	}

	t := &tracked{
		resource:  resource,
		trackedAt: e.now(),
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := e.resources[resource.ID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTracked, resource.ID)
	}
	e.resources[resource.ID] = t
	e.mu.Unlock()

	if err := e.driver.Start(resource, resource.PollInterval); err != nil {
		e.mu.Lock()
		delete(e.resources, resource.ID)
		e.mu.Unlock()
		return nil, fmt.Errorf("start polling %s: %w", resource.ID, err)
	}

	push := resource.PushEnabled() && e.dialer != nil
	if push && e.flags != nil && e.flags.IsPushChannelDisabled(ctx) {
		e.logger.Info().Str("resource_id", resource.ID).Msg("push channel disabled by flag, polling only")
		push = false
	}

	if push {
		t.adapter = channel.New(resource, channel.Config{
			Dialer: e.dialer,
			Logger: e.logger,
			Now:    e.now,
			OnMalformed: func(string, error) {
				e.metrics.malformed.Add(e.ctx, 1)
			},
		})
		t.adapter.OnMessage(e.observe)

		supCtx, cancel := context.WithCancel(e.ctx)
		t.cancel = cancel
		go e.supervise(supCtx, t)
	} else {
		close(t.done)
	}

	e.metrics.tracked.Add(e.ctx, 1, metric.WithAttributes(attribute.String("kind", string(resource.Kind))))
	e.logger.Info().
		Str("resource_id", resource.ID).
		Str("kind", string(resource.Kind)).
		Bool("push", push).
		Dur("poll_interval", resource.PollInterval).
		Msg("tracking resource")

	return func() { e.release(t) }, nil
}

// Untrack releases a resource. Untracking an unknown id is a no-op.
func (e *Engine) Untrack(resourceID string) {
	e.mu.RLock()
	t, ok := e.resources[resourceID]
	e.mu.RUnlock()

	if ok {
		e.release(t)
	}
}

// release stops the poll timer and the push channel, then discards the
// status entry. No observation for the resource is applied afterwards.
func (e *Engine) release(t *tracked) {
	t.releaseOnce.Do(func() {
		id := t.resource.ID

		e.mu.Lock()
		if cur, ok := e.resources[id]; ok && cur == t {
			delete(e.resources, id)
		}
		e.mu.Unlock()

		e.driver.Stop(id)

		if t.cancel != nil {
			t.cancel()
		}
		<-t.done
		if t.adapter != nil {
			t.adapter.Close()
		}

		e.reconciler.Forget(id)
		e.metrics.tracked.Add(e.ctx, -1, metric.WithAttributes(attribute.String("kind", string(t.resource.Kind))))

		if t.resource.Kind == status.KindProbe && e.monitor != nil {
			e.monitor.Recompute(e.ctx)
		}

		e.logger.Info().Str("resource_id", id).Msg("resource released")
	})
}

// supervise keeps the push channel open, retrying with a fixed delay. After
// each closure it waits the same delay before reconnecting. Polling carries
// on regardless.
func (e *Engine) supervise(ctx context.Context, t *tracked) {
	defer close(t.done)

	closed := make(chan error, 1)
	t.adapter.OnClosed(func(err error) {
		closed <- err
	})

	open := func() error {
		if e.flags != nil && e.flags.IsPushChannelDisabled(ctx) {
			return errPushDisabled
		}
		return t.adapter.Open(ctx)
	}
	onRetry := func(err error, wait time.Duration) {
		e.metrics.reconnects.Add(ctx, 1)
		e.logger.Debug().
			Err(err).
			Str("resource_id", t.resource.ID).
			Dur("retry_in", wait).
			Msg("push channel unavailable")
	}

	for {
		policy := backoff.WithContext(backoff.NewConstantBackOff(e.reconnectDelay), ctx)
		if err := backoff.RetryNotify(open, policy, onRetry); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case err := <-closed:
			e.metrics.reconnects.Add(ctx, 1)
			e.logger.Info().
				Err(err).
				Str("resource_id", t.resource.ID).
				Dur("retry_in", e.reconnectDelay).
				Msg("push channel closed, polling continues")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.reconnectDelay):
		}
	}
}

// observe is the single entry point for push and poll observations.
func (e *Engine) observe(obs status.Observation) {
	e.mu.RLock()
	t, ok := e.resources[obs.ResourceID]
	e.mu.RUnlock()
	if !ok {
		e.logger.Debug().Str("resource_id", obs.ResourceID).Msg("observation for untracked resource dropped")
		return
	}

	res := e.reconciler.Observe(obs)
	e.metrics.recordResult(e.ctx, obs.Source, res)
	if !res.Changed {
		return
	}

	if res.Kind == status.KindProbe {
		if e.monitor != nil {
			e.monitor.Recompute(e.ctx)
		}
		return
	}

	if e.policy == nil || e.dispatcher == nil {
		return
	}
	event := e.policy.OnTransition(notify.Transition{
		ResourceID: res.ResourceID,
		Label:      t.resource.DisplayName(),
		Kind:       res.Kind,
		From:       res.From,
		To:         res.To,
	})
	if event == nil {
		return
	}
	if e.dispatcher.Dispatch(e.ctx, *event) {
		e.metrics.notifications.Add(e.ctx, 1, metric.WithAttributes(attribute.String("severity", string(event.Severity))))
	}
}

// Visible handles regaining the foreground: one extra poll for every
// tracked resource, leaving the regular cadence alone.
func (e *Engine) Visible() int {
	n := e.driver.TriggerAll()
	e.logger.Debug().Int("resources", n).Msg("visibility regained, refreshing")
	return n
}

// Refresh requests one extra poll for a resource.
func (e *Engine) Refresh(resourceID string) error {
	if !e.driver.Trigger(resourceID) {
		return fmt.Errorf("%w: %s", ErrNotTracked, resourceID)
	}
	return nil
}

// Tracked reports whether an id is tracked.
func (e *Engine) Tracked(resourceID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.resources[resourceID]
	return ok
}

// View returns the current view of one resource.
func (e *Engine) View(ctx context.Context, resourceID string) (View, error) {
	e.mu.RLock()
	t, ok := e.resources[resourceID]
	e.mu.RUnlock()
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrNotTracked, resourceID)
	}
	return e.view(t, e.staleGrace(ctx)), nil
}

// Views returns the view of every tracked resource, sorted by id.
func (e *Engine) Views(ctx context.Context) []View {
	e.mu.RLock()
	all := make([]*tracked, 0, len(e.resources))
	for _, t := range e.resources {
		all = append(all, t)
	}
	e.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].resource.ID < all[j].resource.ID })

	grace := e.staleGrace(ctx)
	views := make([]View, 0, len(all))
	for _, t := range all {
		views = append(views, e.view(t, grace))
	}
	return views
}

func (e *Engine) view(t *tracked, grace int) View {
	v := View{
		Resource:  t.resource,
		Channel:   channel.Closed,
		TrackedAt: t.trackedAt,
	}
	if t.adapter != nil {
		v.Channel = t.adapter.State()
	}

	last := t.trackedAt
	if cs, ok := e.reconciler.Get(t.resource.ID); ok {
		v.Status = &cs
		last = cs.ReceivedAt
	}
	v.Stale = e.now().Sub(last) > time.Duration(grace)*t.resource.PollInterval
	return v
}

func (e *Engine) staleGrace(ctx context.Context) int {
	if e.flags == nil {
		return featureflags.DefaultStaleGraceMultiplier
	}
	return e.flags.StaleGraceMultiplier(ctx)
}

// Close releases every resource and stops the engine. Track fails afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	all := make([]*tracked, 0, len(e.resources))
	for _, t := range e.resources {
		all = append(all, t)
	}
	e.mu.Unlock()

	for _, t := range all {
		e.release(t)
	}
	e.driver.Close()
	e.cancel()
}
