package poll_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livestatus/livestatus/internal/poll"
	"github.com/livestatus/livestatus/internal/provider/resilience"
	"github.com/livestatus/livestatus/internal/status"
)

var sentAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newHTTPFetcher(t *testing.T, handler http.HandlerFunc) (*poll.HTTPFetcher, *resilience.Registry, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	registry := resilience.NewRegistry()
	cfg := resilience.DefaultClientConfig("status-api")
	cfg.Registry = registry
	cfg.InitialInterval = 5 * time.Millisecond
	cfg.MaxInterval = 10 * time.Millisecond

	return poll.NewHTTPFetcher(poll.HTTPFetcherConfig{
		Client:  resilience.NewClient(cfg),
		BaseURL: server.URL + "/",
		Now:     func() time.Time { return sentAt },
	}), registry, server.URL
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	f, registry, _ := newHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status/job-7", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"calculating","progress":75,"result":{"price":12.5}}`))
	})

	obs, err := f.Fetch(context.Background(), status.TrackedResource{ID: "job-7", Kind: status.KindJob})
	require.NoError(t, err)

	assert.Equal(t, status.StateCalculating, obs.State)
	assert.Equal(t, status.SourcePoll, obs.Source)
	assert.Equal(t, sentAt, obs.Timestamp)
	assert.Equal(t, 75.0, obs.Detail["progress"])
	assert.Equal(t, map[string]any{"price": 12.5}, obs.Detail["result"])

	h := registry.Health("status-api")
	require.NotNil(t, h)
	assert.NotNil(t, h.LastSuccessAt)
}

func TestHTTPFetcher_UpstreamTimestampAndError(t *testing.T) {
	f, _, _ := newHTTPFetcher(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed","error":"unprintable geometry","updatedAt":"2026-03-01T11:59:00Z"}`))
	})

	obs, err := f.Fetch(context.Background(), status.TrackedResource{ID: "job-7", Kind: status.KindJob})
	require.NoError(t, err)

	assert.Equal(t, status.StateFailed, obs.State)
	assert.Equal(t, "unprintable geometry", obs.Error)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC), obs.Timestamp)
}

func TestHTTPFetcher_PollEndpointOverride(t *testing.T) {
	f, _, base := newHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/o-1/tracking", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"shipped"}`))
	})

	r := status.TrackedResource{ID: "o-1", Kind: status.KindOrder, PollEndpoint: base + "/orders/{id}/tracking"}
	assert.Equal(t, base+"/orders/o-1/tracking", f.URL(r))

	obs, err := f.Fetch(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, status.StateShipped, obs.State)
}

func TestHTTPFetcher_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) }},
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) }},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{`)) }},
		{"missing status", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"progress":3}`)) }},
		{"bad timestamp", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"status":"shipped","timestamp":"soon"}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _, _ := newHTTPFetcher(t, tt.handler)
			_, err := f.Fetch(context.Background(), status.TrackedResource{ID: "o-1", Kind: status.KindOrder})
			assert.Error(t, err)
		})
	}
}
