// Package poll runs the timer-driven fallback that fetches a resource's status
// independently of its push channel.
package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/livestatus/livestatus/internal/status"
)

var (
	// ErrAlreadyPolling is returned by Start for a resource that is already polled.
	ErrAlreadyPolling = errors.New("resource is already polled")

	// ErrInvalidInterval is returned by Start for a non-positive interval.
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

// Fetcher performs one point-in-time status query.
type Fetcher interface {
	Fetch(ctx context.Context, resource status.TrackedResource) (status.Observation, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, resource status.TrackedResource) (status.Observation, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, resource status.TrackedResource) (status.Observation, error) {
	return f(ctx, resource)
}

// Config holds configuration for the poll driver.
type Config struct {
	// Fetcher queries the upstream. Required.
	Fetcher Fetcher

	// Sink receives every successful observation.
	Sink func(status.Observation)

	// Logger for tick and fetch diagnostics.
	Logger zerolog.Logger

	// FetchTimeout bounds a single fetch.
	// Default: 10 seconds
	FetchTimeout time.Duration

	// OnFetchError is called for every failed fetch.
	OnFetchError func(resourceID string, err error)
}

// Metrics tracks poll driver statistics.
type Metrics struct {
	mu sync.RWMutex

	// Counters
	Ticks     int64
	Skipped   int64
	Fetches   int64
	Failures  int64
	Delivered int64

	// Timings
	LastFetchAt       time.Time
	LastFetchDuration time.Duration
	TotalDuration     time.Duration
}

// Driver polls every started resource on its own cadence.
type Driver struct {
	fetcher      Fetcher
	sink         func(status.Observation)
	logger       zerolog.Logger
	fetchTimeout time.Duration
	onFetchError func(string, error)

	mu   sync.Mutex
	runs map[string]*run

	metrics *Metrics
}

type run struct {
	resource status.TrackedResource
	interval time.Duration
	cancel   context.CancelFunc
	kick     chan struct{}
	inFlight atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDriver creates a new poll driver.
func NewDriver(cfg Config) *Driver {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	sink := cfg.Sink
	if sink == nil {
		sink = func(status.Observation) {}
	}

	return &Driver{
		fetcher:      cfg.Fetcher,
		sink:         sink,
		logger:       cfg.Logger,
		fetchTimeout: timeout,
		onFetchError: cfg.OnFetchError,
		runs:         make(map[string]*run),
		metrics:      &Metrics{},
	}
}

// Start begins polling resource every interval, with a first tick right away.
// A zero interval uses the resource's PollInterval.
func (d *Driver) Start(resource status.TrackedResource, interval time.Duration) error {
	if interval == 0 {
		interval = resource.PollInterval
	}
	if interval <= 0 {
		return ErrInvalidInterval
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.runs[resource.ID]; ok {
		return ErrAlreadyPolling
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		resource: resource,
		interval: interval,
		cancel:   cancel,
		kick:     make(chan struct{}, 1),
	}
	d.runs[resource.ID] = r

	r.wg.Add(1)
	go d.loop(ctx, r)

	d.logger.Debug().
		Str("resource_id", resource.ID).
		Dur("interval", interval).
		Msg("poll started")
	return nil
}

// Stop stops polling a resource and waits for any in-flight fetch to finish.
// No observation for the resource is delivered after Stop returns. Stopping
// an unknown resource is a no-op.
func (d *Driver) Stop(resourceID string) {
	d.mu.Lock()
	r, ok := d.runs[resourceID]
	delete(d.runs, resourceID)
	d.mu.Unlock()

	if !ok {
		return
	}
	d.halt(r)
}

// Close stops every resource.
func (d *Driver) Close() {
	d.mu.Lock()
	runs := make([]*run, 0, len(d.runs))
	for id, r := range d.runs {
		runs = append(runs, r)
		delete(d.runs, id)
	}
	d.mu.Unlock()

	for _, r := range runs {
		d.halt(r)
	}
}

func (d *Driver) halt(r *run) {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		d.logger.Debug().Str("resource_id", r.resource.ID).Msg("poll stopped")
	})
}

// Trigger requests one extra tick for a resource without touching its regular
// cadence. Requests made while one is already pending are merged.
func (d *Driver) Trigger(resourceID string) bool {
	d.mu.Lock()
	r, ok := d.runs[resourceID]
	d.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
	return true
}

// TriggerAll requests one extra tick for every polled resource.
func (d *Driver) TriggerAll() int {
	d.mu.Lock()
	runs := make([]*run, 0, len(d.runs))
	for _, r := range d.runs {
		runs = append(runs, r)
	}
	d.mu.Unlock()

	for _, r := range runs {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return len(runs)
}

// Polling reports whether a resource is being polled.
func (d *Driver) Polling(resourceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.runs[resourceID]
	return ok
}

func (d *Driver) loop(ctx context.Context, r *run) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	d.tick(ctx, r)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx, r)
		case <-r.kick:
			d.tick(ctx, r)
		}
	}
}

// tick starts a fetch unless one is still outstanding, in which case the
// tick is dropped rather than queued.
func (d *Driver) tick(ctx context.Context, r *run) {
	d.metrics.mu.Lock()
	d.metrics.Ticks++
	d.metrics.mu.Unlock()

	if !r.inFlight.CompareAndSwap(false, true) {
		d.metrics.mu.Lock()
		d.metrics.Skipped++
		d.metrics.mu.Unlock()
		d.logger.Debug().Str("resource_id", r.resource.ID).Msg("poll tick skipped, fetch in flight")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inFlight.Store(false)
		d.fetch(ctx, r)
	}()
}

func (d *Driver) fetch(ctx context.Context, r *run) {
	fetchCtx, cancel := context.WithTimeout(ctx, d.fetchTimeout)
	defer cancel()

	start := time.Now()
	obs, err := d.fetcher.Fetch(fetchCtx, r.resource)
	d.recordFetch(start, err)

	if ctx.Err() != nil {
		// Stopped while fetching.
		return
	}

	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("resource_id", r.resource.ID).
			Msg("poll fetch failed")
		if d.onFetchError != nil {
			d.onFetchError(r.resource.ID, err)
		}
		return
	}

	obs.ResourceID = r.resource.ID
	obs.Kind = r.resource.Kind
	obs.Source = status.SourcePoll

	d.metrics.mu.Lock()
	d.metrics.Delivered++
	d.metrics.mu.Unlock()

	d.sink(obs)
}

func (d *Driver) recordFetch(start time.Time, err error) {
	elapsed := time.Since(start)

	d.metrics.mu.Lock()
	defer d.metrics.mu.Unlock()

	d.metrics.Fetches++
	if err != nil {
		d.metrics.Failures++
	}
	d.metrics.LastFetchAt = start
	d.metrics.LastFetchDuration = elapsed
	d.metrics.TotalDuration += elapsed
}

// GetMetrics returns a copy of the current metrics.
func (d *Driver) GetMetrics() Metrics {
	d.metrics.mu.RLock()
	defer d.metrics.mu.RUnlock()

	return Metrics{
		Ticks:             d.metrics.Ticks,
		Skipped:           d.metrics.Skipped,
		Fetches:           d.metrics.Fetches,
		Failures:          d.metrics.Failures,
		Delivered:         d.metrics.Delivered,
		LastFetchAt:       d.metrics.LastFetchAt,
		LastFetchDuration: d.metrics.LastFetchDuration,
		TotalDuration:     d.metrics.TotalDuration,
	}
}

// MetricsSnapshot returns a snapshot of the current metrics as a map.
func (d *Driver) MetricsSnapshot() map[string]any {
	m := d.GetMetrics()
	return map[string]any{
		"ticks":               m.Ticks,
		"skipped_ticks":       m.Skipped,
		"fetches":             m.Fetches,
		"fetch_failures":      m.Failures,
		"delivered":           m.Delivered,
		"last_fetch_at":       m.LastFetchAt,
		"last_fetch_duration": m.LastFetchDuration.String(),
		"total_duration":      m.TotalDuration.String(),
	}
}
