package models

import (
	"strings"
	"time"

	"github.com/livestatus/livestatus/internal/health"
	"github.com/livestatus/livestatus/internal/status"
	"github.com/livestatus/livestatus/internal/tracker"
)

// TrackResourceRequest is the body of POST /v1/resources.
type TrackResourceRequest struct {
	ResourceID      string `json:"resourceId"`
	Kind            string `json:"kind"`
	Label           string `json:"label,omitempty"`
	PollIntervalMs  int64  `json:"pollIntervalMs"`
	ChannelEndpoint string `json:"channelEndpoint,omitempty"`
	// ChannelEnabled defaults to true when a channel endpoint is given.
	ChannelEnabled *bool  `json:"channelEnabled,omitempty"`
	PollEndpoint   string `json:"pollEndpoint,omitempty"`
}

// TrackedResource converts the request. Validation is left to the engine.
func (req TrackResourceRequest) TrackedResource() status.TrackedResource {
	enabled := strings.TrimSpace(req.ChannelEndpoint) != ""
	if req.ChannelEnabled != nil {
		enabled = *req.ChannelEnabled
	}
	return status.TrackedResource{
		ID:              strings.TrimSpace(req.ResourceID),
		Kind:            status.Kind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Label:           req.Label,
		PollInterval:    time.Duration(req.PollIntervalMs) * time.Millisecond,
		ChannelEndpoint: req.ChannelEndpoint,
		ChannelEnabled:  enabled,
		PollEndpoint:    req.PollEndpoint,
	}
}

// ResourceView is the API representation of one tracked resource.
type ResourceView struct {
	ResourceID     string                  `json:"resourceId"`
	Kind           status.Kind             `json:"kind"`
	Label          string                  `json:"label"`
	PollIntervalMs int64                   `json:"pollIntervalMs"`
	PushEnabled    bool                    `json:"pushEnabled"`
	Channel        string                  `json:"channel"`
	Status         *status.CanonicalStatus `json:"status,omitempty"`
	Stale          bool                    `json:"stale"`
	TrackedAt      Timestamp               `json:"trackedAt"`
}

// NewResourceView converts an engine view.
func NewResourceView(v tracker.View) ResourceView {
	return ResourceView{
		ResourceID:     v.Resource.ID,
		Kind:           v.Resource.Kind,
		Label:          v.Resource.DisplayName(),
		PollIntervalMs: v.Resource.PollInterval.Milliseconds(),
		PushEnabled:    v.Resource.PushEnabled(),
		Channel:        v.Channel.String(),
		Status:         v.Status,
		Stale:          v.Stale,
		TrackedAt:      Timestamp(v.TrackedAt),
	}
}

// ResourceList is the body of GET /v1/resources.
type ResourceList struct {
	Items []ResourceView `json:"items"`
}

// RefreshResponse acknowledges an out-of-cycle poll request.
type RefreshResponse struct {
	Resources int `json:"resources"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	status.AggregateHealth
	Probes []health.ProbeStatus `json:"probes"`
}
