package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/livestatus/livestatus/internal/api/models"
	"github.com/livestatus/livestatus/internal/api/response"
	"github.com/livestatus/livestatus/internal/status"
	"github.com/livestatus/livestatus/internal/tracker"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Tracker is the part of the engine the resource endpoints drive.
type Tracker interface {
	Track(ctx context.Context, resource status.TrackedResource) (tracker.Disposer, error)
	Untrack(resourceID string)
	View(ctx context.Context, resourceID string) (tracker.View, error)
	Views(ctx context.Context) []tracker.View
	Refresh(resourceID string) error
	Visible() int
}

// ResourcesHandler handles tracked resource endpoints.
type ResourcesHandler struct {
	tracker Tracker
	logger  zerolog.Logger
}

// NewResourcesHandler creates a new ResourcesHandler.
func NewResourcesHandler(t Tracker, logger zerolog.Logger) *ResourcesHandler {
	return &ResourcesHandler{tracker: t, logger: logger}
}

// ListResources handles GET /v1/resources - every tracked resource.
func (h *ResourcesHandler) ListResources(w http.ResponseWriter, r *http.Request) {
	views := h.tracker.Views(r.Context())
	list := models.ResourceList{Items: make([]models.ResourceView, 0, len(views))}
	for _, v := range views {
		list.Items = append(list.Items, models.NewResourceView(v))
	}
	response.JSON(w, r, http.StatusOK, list)
}

// TrackResource handles POST /v1/resources - start tracking a resource.
func (h *ResourcesHandler) TrackResource(w http.ResponseWriter, r *http.Request) {
	var input models.TrackResourceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body: "+err.Error(), nil)
		return
	}

	resource := input.TrackedResource()
	if _, err := h.tracker.Track(r.Context(), resource); err != nil {
		h.writeTrackError(w, r, err)
		return
	}

	view, err := h.tracker.View(r.Context(), resource.ID)
	if err != nil {
		// Untracked again between the two calls.
		response.NotFound(w, r, err.Error())
		return
	}
	response.Created(w, r, "/v1/resources/"+url.PathEscape(resource.ID), models.NewResourceView(view))
}

func (h *ResourcesHandler) writeTrackError(w http.ResponseWriter, r *http.Request, err error) {
	var cfgErr *status.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		response.InvalidResource(w, r, cfgErr.Error(), []models.FieldError{{
			Field:   cfgErr.Field,
			Message: cfgErr.Reason,
			Code:    fieldCode(cfgErr),
		}})
	case errors.Is(err, tracker.ErrAlreadyTracked):
		response.Conflict(w, r, err.Error())
	case errors.Is(err, tracker.ErrClosed):
		response.ServiceUnavailable(w, r, "engine is shutting down")
	default:
		h.logger.Error().Err(err).Msg("failed to track resource")
		response.InternalError(w, r, "failed to track resource")
	}
}

func fieldCode(err *status.ConfigurationError) string {
	switch err.Field {
	case "resourceId":
		return models.CodeRequired
	case "pollIntervalMs":
		return models.CodeOutOfRange
	default:
		return models.CodeInvalid
	}
}

// GetResource handles GET /v1/resources/{resourceId} - one resource's view.
func (h *ResourcesHandler) GetResource(w http.ResponseWriter, r *http.Request) {
	view, err := h.tracker.View(r.Context(), chi.URLParam(r, "resourceId"))
	if err != nil {
		response.NotFound(w, r, err.Error())
		return
	}
	response.JSON(w, r, http.StatusOK, models.NewResourceView(view))
}

// UntrackResource handles DELETE /v1/resources/{resourceId}. Untracking an
// unknown resource succeeds.
func (h *ResourcesHandler) UntrackResource(w http.ResponseWriter, r *http.Request) {
	h.tracker.Untrack(chi.URLParam(r, "resourceId"))
	response.NoContent(w, r)
}

// RefreshResource handles POST /v1/resources/{resourceId}/refresh - one
// extra poll outside the regular cadence.
func (h *ResourcesHandler) RefreshResource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "resourceId")
	if err := h.tracker.Refresh(id); err != nil {
		response.NotFound(w, r, err.Error())
		return
	}
	response.Accepted(w, r, "/v1/resources/"+url.PathEscape(id), models.RefreshResponse{Resources: 1})
}

// Visible handles POST /v1/visibility - the viewer is back, poll everything once.
func (h *ResourcesHandler) Visible(w http.ResponseWriter, r *http.Request) {
	n := h.tracker.Visible()
	response.Accepted(w, r, "", models.RefreshResponse{Resources: n})
}
