package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/livestatus/livestatus/internal/provider/resilience"
	"github.com/livestatus/livestatus/internal/status"
)

// ProbeResult is one probe outcome reported by a ProbeSource.
type ProbeResult struct {
	// Service is the probe id.
	Service string `json:"service"`

	// Status is the raw upstream status; it is normalized with the probe kind.
	Status string `json:"status"`

	// ResponseTimeMs is the probe latency. Zero means no sample.
	ResponseTimeMs float64 `json:"responseTimeMs,omitempty"`

	Error string `json:"error,omitempty"`
}

// ProbeSource produces one batch of probe results per call.
type ProbeSource interface {
	Probes(ctx context.Context) ([]ProbeResult, error)
}

// SourceFunc adapts a function to ProbeSource.
type SourceFunc func(ctx context.Context) ([]ProbeResult, error)

// Probes calls f.
func (f SourceFunc) Probes(ctx context.Context) ([]ProbeResult, error) {
	return f(ctx)
}

// BatchSource reads every probe from a single endpoint returning a JSON array
// of probe results.
type BatchSource struct {
	client *resilience.Client
	url    string
}

// NewBatchSource creates a batch source reading url through client.
func NewBatchSource(client *resilience.Client, url string) *BatchSource {
	return &BatchSource{client: client, url: url}
}

// Probes fetches the batch.
func (s *BatchSource) Probes(ctx context.Context) ([]ProbeResult, error) {
	var results []ProbeResult
	if err := s.client.GetJSON(ctx, s.url, &results); err != nil {
		return nil, fmt.Errorf("fetch probe batch: %w", err)
	}
	return results, nil
}

// HTTPProbe is one endpoint checked by HTTPSource.
type HTTPProbe struct {
	Name string
	URL  string

	// DegradedAfter marks a successful probe degraded when it responds slower
	// than this. Zero disables the latency check.
	DegradedAfter time.Duration
}

// HTTPSourceConfig holds configuration for HTTPSource.
type HTTPSourceConfig struct {
	Probes []HTTPProbe

	// Client performs the checks (default: a client with a 5s timeout).
	Client *http.Client

	// Concurrency bounds simultaneous checks (default: 4).
	Concurrency int
}

// HTTPSource checks a set of URLs concurrently and grades each one by status
// code and latency.
type HTTPSource struct {
	probes      []HTTPProbe
	client      *http.Client
	concurrency int
}

// NewHTTPSource creates a new HTTP probe source.
func NewHTTPSource(cfg HTTPSourceConfig) *HTTPSource {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &HTTPSource{probes: cfg.Probes, client: client, concurrency: concurrency}
}

// Probes runs every check and returns results in configuration order.
func (s *HTTPSource) Probes(ctx context.Context) ([]ProbeResult, error) {
	results := make([]ProbeResult, len(s.probes))

	indexes := make(chan int, len(s.probes))
	for i := range s.probes {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	for w := 0; w < s.concurrency && w < len(s.probes); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				results[i] = s.check(ctx, s.probes[i])
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *HTTPSource) check(ctx context.Context, probe HTTPProbe) ProbeResult {
	result := ProbeResult{Service: probe.Name}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.URL, nil)
	if err != nil {
		result.Status = string(status.StateUnhealthy)
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start)
	result.ResponseTimeMs = float64(elapsed.Microseconds()) / 1000

	if err != nil {
		result.Status = string(status.StateUnhealthy)
		result.Error = err.Error()
		return result
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		result.Status = string(status.StateUnhealthy)
		result.Error = resp.Status
	case resp.StatusCode >= 400:
		result.Status = string(status.StateDegraded)
		result.Error = resp.Status
	case probe.DegradedAfter > 0 && elapsed > probe.DegradedAfter:
		result.Status = string(status.StateDegraded)
	default:
		result.Status = string(status.StateHealthy)
	}
	return result
}

// RegistrySource reports every client in a resilience registry as a probe,
// graded by its circuit breaker state.
type RegistrySource struct {
	registry *resilience.Registry
}

// NewRegistrySource creates a source over registry.
func NewRegistrySource(registry *resilience.Registry) *RegistrySource {
	return &RegistrySource{registry: registry}
}

// Probes snapshots the registry.
func (s *RegistrySource) Probes(context.Context) ([]ProbeResult, error) {
	upstreams := s.registry.All()
	results := make([]ProbeResult, 0, len(upstreams))
	for _, u := range upstreams {
		results = append(results, ProbeResult{
			Service: u.Name,
			Status:  string(circuitState(u.CircuitState)),
			Error:   u.LastError,
		})
	}
	return results, nil
}

func circuitState(s gobreaker.State) status.State {
	switch s {
	case gobreaker.StateClosed:
		return status.StateHealthy
	case gobreaker.StateHalfOpen:
		return status.StateDegraded
	case gobreaker.StateOpen:
		return status.StateUnhealthy
	default:
		return status.StateUnknown
	}
}

// MultiSource merges the results of several sources. A failing source fails
// the whole batch so a partial sweep never forgets the other sources' probes.
type MultiSource []ProbeSource

// Probes queries each source in order.
func (m MultiSource) Probes(ctx context.Context) ([]ProbeResult, error) {
	var (
		all  []ProbeResult
		errs []error
	)
	for _, src := range m {
		if src == nil {
			continue
		}
		results, err := src.Probes(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, results...)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return all, nil
}
