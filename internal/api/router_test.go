package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livestatus/livestatus/internal/api"
	"github.com/livestatus/livestatus/internal/api/handler"
	"github.com/livestatus/livestatus/internal/api/models"
	"github.com/livestatus/livestatus/internal/featureflags"
	"github.com/livestatus/livestatus/internal/health"
	"github.com/livestatus/livestatus/internal/poll"
	"github.com/livestatus/livestatus/internal/provider/resilience"
	"github.com/livestatus/livestatus/internal/reconcile"
	"github.com/livestatus/livestatus/internal/status"
	"github.com/livestatus/livestatus/internal/tracker"
)

type fixture struct {
	router  http.Handler
	engine  *tracker.Engine
	fetches atomic.Int32
	probeOK atomic.Bool
}

type fixtureOption func(*api.RouterConfig)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{}
	f.probeOK.Store(true)

	logger := zerolog.Nop()
	rec := reconcile.New(reconcile.Config{Logger: logger})

	source := health.SourceFunc(func(context.Context) ([]health.ProbeResult, error) {
		if !f.probeOK.Load() {
			return nil, errors.New("batch endpoint unreachable")
		}
		return []health.ProbeResult{
			{Service: "api", Status: "ok", ResponseTimeMs: 40},
			{Service: "db", Status: "warn", ResponseTimeMs: 120},
		}, nil
	})
	monitor := health.NewMonitor(health.MonitorConfig{
		Source:     source,
		Reconciler: rec,
		Logger:     logger,
	})
	t.Cleanup(monitor.Stop)

	flags := featureflags.NewService(featureflags.ServiceConfig{
		Repository: featureflags.NewInMemoryRepository(),
		Logger:     logger,
	})

	fetcher := poll.FetcherFunc(func(_ context.Context, r status.TrackedResource) (status.Observation, error) {
		f.fetches.Add(1)
		return status.Observation{
			ResourceID: r.ID,
			Kind:       r.Kind,
			State:      r.Kind.ParseState("in_progress"),
			Raw:        "in_progress",
			Timestamp:  time.Now(),
			Source:     status.SourcePoll,
		}, nil
	})

	engine, err := tracker.New(tracker.Config{
		Fetcher:    fetcher,
		Reconciler: rec,
		Monitor:    monitor,
		Flags:      flags,
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	f.engine = engine

	registry := resilience.NewRegistry()
	cfg := resilience.DefaultClientConfig("status-api")
	cfg.Registry = registry
	resilience.NewClient(cfg)

	routerCfg := api.RouterConfig{
		Version:            "test",
		BuildTime:          "2026-01-01T00:00:00Z",
		Logger:             logger,
		Tracker:            engine,
		Monitor:            monitor,
		FeatureFlagService: flags,
		Registry:           registry,
		PollMetrics:        engine.PollMetrics,
		RateLimit:          10000,
	}
	for _, opt := range opts {
		opt(&routerCfg)
	}
	f.router = api.NewRouter(routerCfg)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const trackOrder = `{"resourceId":"order-1","kind":"order","label":"Order #1","pollIntervalMs":60000}`

func TestOpsHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/ops/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	body := decode[models.Health](t, rec)
	assert.Equal(t, models.HealthStatusOK, body.Status)
	assert.Equal(t, "test", body.Details["version"])
}

func TestOpsReady(t *testing.T) {
	healthy := newFixture(t, func(cfg *api.RouterConfig) {
		cfg.ReadinessChecks = map[string]handler.ReadinessCheck{
			"postgres": func(context.Context) error { return nil },
		}
	})
	rec := healthy.do(t, http.MethodGet, "/v1/ops/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := newFixture(t, func(cfg *api.RouterConfig) {
		cfg.ReadinessChecks = map[string]handler.ReadinessCheck{
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		}
	})
	rec = failing.do(t, http.MethodGet, "/v1/ops/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decode[models.Health](t, rec)
	assert.Equal(t, models.HealthStatusFail, body.Status)
	assert.Equal(t, "FAIL", body.Details["postgres"])
}

func TestOpsStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/ops/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[models.SystemStatus](t, rec)
	assert.Equal(t, models.HealthStatusOK, body.Status)
	require.Len(t, body.Upstreams, 1)
	assert.Equal(t, "status-api", body.Upstreams[0].Name)
	assert.Equal(t, "closed", body.Upstreams[0].CircuitState)
	assert.Contains(t, body.Poll, "ticks")
	assert.Empty(t, body.ActiveFlags)
}

func TestTrackResource(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/resources", trackOrder)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/resources/order-1", rec.Header().Get("Location"))

	view := decode[models.ResourceView](t, rec)
	assert.Equal(t, "order-1", view.ResourceID)
	assert.Equal(t, status.KindOrder, view.Kind)
	assert.Equal(t, "Order #1", view.Label)
	assert.Equal(t, int64(60000), view.PollIntervalMs)
	assert.False(t, view.PushEnabled)
	assert.Equal(t, "closed", view.Channel)

	// The first poll runs right away.
	require.Eventually(t, func() bool {
		got := decode[models.ResourceView](t, f.do(t, http.MethodGet, "/v1/resources/order-1", ""))
		return got.Status != nil && got.Status.CurrentState == status.StateProcessing
	}, 2*time.Second, 10*time.Millisecond)

	list := decode[models.ResourceList](t, f.do(t, http.MethodGet, "/v1/resources", ""))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "order-1", list.Items[0].ResourceID)
}

func TestTrackResource_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		typ    string
		field  string
	}{
		{"malformed json", `{"resourceId":`, http.StatusBadRequest, models.ProblemTypeValidation, ""},
		{"unknown field", `{"resourceId":"a","kind":"job","pollIntervalMs":1000,"colour":"red"}`, http.StatusBadRequest, models.ProblemTypeValidation, ""},
		{"missing id", `{"kind":"job","pollIntervalMs":1000}`, http.StatusBadRequest, models.ProblemTypeInvalidResource, "resourceId"},
		{"unknown kind", `{"resourceId":"a","kind":"parcel","pollIntervalMs":1000}`, http.StatusBadRequest, models.ProblemTypeInvalidResource, "kind"},
		{"zero interval", `{"resourceId":"a","kind":"job","pollIntervalMs":0}`, http.StatusBadRequest, models.ProblemTypeInvalidResource, "pollIntervalMs"},
		{"sub-second interval", `{"resourceId":"a","kind":"job","pollIntervalMs":250}`, http.StatusBadRequest, models.ProblemTypeInvalidResource, "pollIntervalMs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			rec := f.do(t, http.MethodPost, "/v1/resources", tt.body)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			problem := decode[models.Problem](t, rec)
			assert.Equal(t, tt.typ, problem.Type)
			assert.Equal(t, "/v1/resources", problem.Instance)
			if tt.field != "" {
				require.Len(t, problem.Errors, 1)
				assert.Equal(t, tt.field, problem.Errors[0].Field)
			}
			assert.Empty(t, f.engine.Views(context.Background()))
		})
	}
}

func TestTrackResource_Conflict(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/resources", trackOrder).Code)

	rec := f.do(t, http.MethodPost, "/v1/resources", trackOrder)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, models.ProblemTypeConflict, decode[models.Problem](t, rec).Type)
}

func TestTrackResource_RejectsNonJSONBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/resources", strings.NewReader(trackOrder))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestGetResource_NotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/resources/missing", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.ProblemTypeNotFound, decode[models.Problem](t, rec).Type)
}

func TestUntrackResource_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/resources", trackOrder).Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/resources/order-1", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/resources/order-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/resources/order-1", "").Code)

	// Tracking again after release works.
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/resources", trackOrder).Code)
}

func TestRefreshResource(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/resources", trackOrder).Code)
	require.Eventually(t, func() bool { return f.fetches.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	rec := f.do(t, http.MethodPost, "/v1/resources/order-1/refresh", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, decode[models.RefreshResponse](t, rec).Resources)
	assert.Eventually(t, func() bool { return f.fetches.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/resources/missing/refresh", "").Code)
}

func TestVisibility(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/resources", trackOrder).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/resources",
		`{"resourceId":"job-9","kind":"job","pollIntervalMs":60000}`).Code)
	require.Eventually(t, func() bool { return f.fetches.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	rec := f.do(t, http.MethodPost, "/v1/visibility", "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 2, decode[models.RefreshResponse](t, rec).Resources)
	assert.Eventually(t, func() bool { return f.fetches.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	initial := decode[models.HealthResponse](t, f.do(t, http.MethodGet, "/v1/health", ""))
	assert.Equal(t, status.StateUnknown, initial.Overall)
	assert.Empty(t, initial.Probes)

	rec := f.do(t, http.MethodPost, "/v1/health/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[models.HealthResponse](t, rec)
	assert.Equal(t, status.StateDegraded, body.Overall)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 50, body.HealthPercentage)
	assert.InDelta(t, 80.0, body.AverageLatencyMs, 0.001)
	assert.Len(t, body.Probes, 2)

	after := decode[models.HealthResponse](t, f.do(t, http.MethodGet, "/v1/health", ""))
	assert.Equal(t, status.StateDegraded, after.Overall)
}

func TestHealthRefresh_SourceFailure(t *testing.T) {
	f := newFixture(t)
	f.probeOK.Store(false)

	rec := f.do(t, http.MethodPost, "/v1/health/refresh", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[models.Problem](t, rec).Detail, "batch endpoint unreachable")
}

func TestFeatureFlags(t *testing.T) {
	f := newFixture(t)

	list := decode[featureflags.FlagList](t, f.do(t, http.MethodGet, "/v1/admin/feature-flags", ""))
	require.Len(t, list.Items, 4)
	assert.Equal(t, featureflags.FlagDisableNotifications, list.Items[0].Key)

	rec := f.do(t, http.MethodPut, "/v1/admin/feature-flags",
		`{"updates":[{"key":"disable_push_channel","value":true},{"key":"stale_grace_multiplier","value":5}],"reason":"incident"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updated := decode[featureflags.FlagList](t, rec)
	values := map[string]any{}
	for _, flag := range updated.Items {
		values[flag.Key] = flag.Value
	}
	assert.Equal(t, true, values[featureflags.FlagDisablePushChannel])

	st := decode[models.SystemStatus](t, f.do(t, http.MethodGet, "/v1/ops/status", ""))
	assert.Equal(t, []string{featureflags.FlagDisablePushChannel}, st.ActiveFlags)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/admin/feature-flags/invalidate", "").Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/admin/feature-flags/disable_push_channel", "").Code)
	st = decode[models.SystemStatus](t, f.do(t, http.MethodGet, "/v1/ops/status", ""))
	assert.Empty(t, st.ActiveFlags)

	rec = f.do(t, http.MethodDelete, "/v1/admin/feature-flags/enable_magic", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeatureFlags_RejectsInvalidUpdates(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", `{"updates":[]}`},
		{"unknown key", `{"updates":[{"key":"enable_magic","value":true}]}`},
		{"bool flag with number", `{"updates":[{"key":"disable_notifications","value":1}]}`},
		{"grace below one", `{"updates":[{"key":"stale_grace_multiplier","value":0}]}`},
		{"fractional grace", `{"updates":[{"key":"stale_grace_multiplier","value":2.5}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			rec := f.do(t, http.MethodPut, "/v1/admin/feature-flags", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, models.ProblemTypeValidation, decode[models.Problem](t, rec).Type)
		})
	}
}

func TestRouter_OptionalSurfaces(t *testing.T) {
	r := api.NewRouter(api.RouterConfig{Logger: zerolog.Nop()})

	for _, path := range []string{"/v1/resources", "/v1/health", "/v1/admin/feature-flags"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}
