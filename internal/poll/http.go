package poll

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/livestatus/livestatus/internal/provider/resilience"
	"github.com/livestatus/livestatus/internal/status"
)

// statusResponse is the poll endpoint payload.
type statusResponse struct {
	Status    string         `json:"status"`
	Progress  *float64       `json:"progress,omitempty"`
	Error     string         `json:"error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	UpdatedAt string         `json:"updatedAt,omitempty"`
}

// HTTPFetcherConfig holds configuration for the HTTP fetcher.
type HTTPFetcherConfig struct {
	// Client is the resilient client used for every request. Required.
	Client *resilience.Client

	// BaseURL serves GET {BaseURL}/status/{resourceId} for resources without
	// their own PollEndpoint.
	BaseURL string

	// Now returns the local clock (default: time.Now).
	Now func() time.Time
}

// HTTPFetcher queries the upstream status endpoint over HTTP.
type HTTPFetcher struct {
	client  *resilience.Client
	baseURL string
	now     func() time.Time
}

// NewHTTPFetcher creates a new HTTP fetcher.
func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &HTTPFetcher{
		client:  cfg.Client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		now:     now,
	}
}

// URL returns the status URL polled for resource. A PollEndpoint may carry an
// {id} placeholder.
func (f *HTTPFetcher) URL(resource status.TrackedResource) string {
	if resource.PollEndpoint != "" {
		return strings.ReplaceAll(resource.PollEndpoint, "{id}", url.PathEscape(resource.ID))
	}
	return f.baseURL + "/status/" + url.PathEscape(resource.ID)
}

// Fetch performs one status query.
//
// The observation is timestamped with the upstream's timestamp when the
// response carries one, and otherwise with the time the request was sent, so
// a slow response never outranks a push frame that arrived meanwhile.
func (f *HTTPFetcher) Fetch(ctx context.Context, resource status.TrackedResource) (status.Observation, error) {
	sentAt := f.now()

	var body statusResponse
	if err := f.client.GetJSON(ctx, f.URL(resource), &body); err != nil {
		return status.Observation{}, fmt.Errorf("poll %s: %w", resource.ID, err)
	}
	if strings.TrimSpace(body.Status) == "" {
		return status.Observation{}, fmt.Errorf("poll %s: response has no status", resource.ID)
	}

	observedAt := sentAt
	for _, ts := range []string{body.Timestamp, body.UpdatedAt} {
		if ts == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return status.Observation{}, fmt.Errorf("poll %s: bad timestamp %q", resource.ID, ts)
		}
		observedAt = parsed
		break
	}

	var detail map[string]any
	if body.Progress != nil || len(body.Result) > 0 {
		detail = make(map[string]any, 2)
		if body.Progress != nil {
			detail["progress"] = *body.Progress
		}
		if len(body.Result) > 0 {
			detail["result"] = body.Result
		}
	}

	return status.Observation{
		ResourceID: resource.ID,
		Kind:       resource.Kind,
		State:      resource.Kind.ParseState(body.Status),
		Raw:        body.Status,
		Timestamp:  observedAt,
		Source:     status.SourcePoll,
		Detail:     detail,
		Error:      body.Error,
	}, nil
}
