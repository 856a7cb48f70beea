package handler

import (
	"context"
	"net/http"

	"github.com/livestatus/livestatus/internal/api/models"
	"github.com/livestatus/livestatus/internal/api/response"
	"github.com/livestatus/livestatus/internal/health"
	"github.com/livestatus/livestatus/internal/status"
)

// HealthMonitor is the part of the health monitor the endpoints read.
type HealthMonitor interface {
	Health() status.AggregateHealth
	Probes() []health.ProbeStatus
	Sweep(ctx context.Context) (status.AggregateHealth, error)
}

// HealthHandler handles aggregate health endpoints.
type HealthHandler struct {
	monitor HealthMonitor
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(monitor HealthMonitor) *HealthHandler {
	return &HealthHandler{monitor: monitor}
}

// GetHealth handles GET /v1/health - the last computed verdict and probes.
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.body(h.monitor.Health()))
}

// RefreshHealth handles POST /v1/health/refresh - sweep now and return the
// verdict. Concurrent refreshes share one sweep. A failed sweep keeps the
// previous verdict and answers 503.
func (h *HealthHandler) RefreshHealth(w http.ResponseWriter, r *http.Request) {
	agg, err := h.monitor.Sweep(r.Context())
	if err != nil {
		response.ServiceUnavailable(w, r, "health sweep failed: "+err.Error())
		return
	}
	response.JSON(w, r, http.StatusOK, h.body(agg))
}

func (h *HealthHandler) body(agg status.AggregateHealth) models.HealthResponse {
	probes := h.monitor.Probes()
	if probes == nil {
		probes = []health.ProbeStatus{}
	}
	return models.HealthResponse{AggregateHealth: agg, Probes: probes}
}
