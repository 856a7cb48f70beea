// Package handler provides HTTP handlers for the status API.
package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/livestatus/livestatus/internal/api/models"
	"github.com/livestatus/livestatus/internal/api/response"
	"github.com/livestatus/livestatus/internal/featureflags"
	"github.com/livestatus/livestatus/internal/provider/resilience"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// OpsConfig holds the dependencies of the ops endpoints.
type OpsConfig struct {
	Version   string
	BuildTime string

	// Registry lists the upstreams shown by the status endpoint. Optional.
	Registry *resilience.Registry

	// PollMetrics returns the poll driver counters. Optional.
	PollMetrics func() map[string]any

	// Flags lists active feature flags in the status endpoint. Optional.
	Flags *featureflags.Service

	// Checks are run by the readiness endpoint, keyed by subsystem name.
	Checks map[string]ReadinessCheck

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	cfg OpsConfig
	now func() time.Time
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &OpsHandler{cfg: cfg, now: now}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.now()),
		Details: map[string]any{
			"version":   h.cfg.Version,
			"buildTime": h.cfg.BuildTime,
		},
	})
}

// ReadinessCheck handles GET /v1/ops/ready - 503 when any check fails.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	subsystems := h.runChecks(r.Context())

	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.now()),
	}
	code := http.StatusOK
	details := make(map[string]any, len(subsystems))
	for _, s := range subsystems {
		details[s.Name] = s.Status
		if s.Status == models.HealthStatusFail {
			health.Status = models.HealthStatusFail
			code = http.StatusServiceUnavailable
		}
	}
	if len(details) > 0 {
		health.Details = details
	}
	response.JSON(w, r, code, health)
}

// SystemStatus handles GET /v1/ops/status - subsystem and upstream status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	st := models.SystemStatus{
		Status:     models.HealthStatusOK,
		Time:       models.Timestamp(h.now()),
		Subsystems: h.runChecks(r.Context()),
		Upstreams:  []models.UpstreamStatus{},
	}

	for _, s := range st.Subsystems {
		st.Status = worse(st.Status, s.Status)
	}

	if h.cfg.Registry != nil {
		for _, u := range h.cfg.Registry.All() {
			us := upstreamStatus(u)
			st.Upstreams = append(st.Upstreams, us)
			st.Status = worse(st.Status, degradeOnly(us.Status))
		}
	}

	if h.cfg.PollMetrics != nil {
		st.Poll = h.cfg.PollMetrics()
	}

	if h.cfg.Flags != nil {
		for key, flag := range h.cfg.Flags.GetAllFlags(r.Context()) {
			if v, ok := flag.Value.(bool); ok && v {
				st.ActiveFlags = append(st.ActiveFlags, key)
			}
		}
		sort.Strings(st.ActiveFlags)
	}

	response.JSON(w, r, http.StatusOK, st)
}

func (h *OpsHandler) runChecks(ctx context.Context) []models.SubsystemStatus {
	names := make([]string, 0, len(h.cfg.Checks))
	for name := range h.cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.SubsystemStatus, 0, len(names))
	for _, name := range names {
		s := models.SubsystemStatus{Name: name, Status: models.HealthStatusOK}
		if err := h.cfg.Checks[name](ctx); err != nil {
			msg := err.Error()
			s.Status = models.HealthStatusFail
			s.Detail = &msg
		}
		out = append(out, s)
	}
	return out
}

func upstreamStatus(u *resilience.UpstreamHealth) models.UpstreamStatus {
	us := models.UpstreamStatus{
		Name:         u.Name,
		Status:       models.HealthStatusOK,
		CircuitState: u.CircuitState.String(),
	}
	switch u.CircuitState {
	case gobreaker.StateHalfOpen:
		us.Status = models.HealthStatusDegraded
	case gobreaker.StateOpen:
		us.Status = models.HealthStatusFail
	}
	if u.LastSuccessAt != nil {
		us.LastSuccessAt = models.NewTimestamp(*u.LastSuccessAt)
	}
	if u.LastFailureAt != nil {
		us.LastFailureAt = models.NewTimestamp(*u.LastFailureAt)
	}
	if u.LastError != "" {
		msg := u.LastError
		us.Message = &msg
	}
	return us
}

// degradeOnly caps an upstream failure at DEGRADED for the overall status.
func degradeOnly(s models.HealthStatus) models.HealthStatus {
	if s == models.HealthStatusFail {
		return models.HealthStatusDegraded
	}
	return s
}

func worse(a, b models.HealthStatus) models.HealthStatus {
	rank := map[models.HealthStatus]int{
		models.HealthStatusOK:       0,
		models.HealthStatusDegraded: 1,
		models.HealthStatusFail:     2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
