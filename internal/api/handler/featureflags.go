package handler

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/livestatus/livestatus/internal/api/models"
	"github.com/livestatus/livestatus/internal/api/response"
	"github.com/livestatus/livestatus/internal/featureflags"
)

// FeatureFlagsHandler handles feature flag endpoints.
type FeatureFlagsHandler struct {
	service *featureflags.Service
	logger  zerolog.Logger
}

// NewFeatureFlagsHandler creates a new FeatureFlagsHandler.
func NewFeatureFlagsHandler(service *featureflags.Service, logger zerolog.Logger) *FeatureFlagsHandler {
	return &FeatureFlagsHandler{service: service, logger: logger}
}

// ListFeatureFlags handles GET /v1/admin/feature-flags - list all flags.
func (h *FeatureFlagsHandler) ListFeatureFlags(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.list(r))
}

// UpsertFeatureFlags handles PUT /v1/admin/feature-flags - update flags.
// Only well-known keys are accepted. Responds with the updated list.
func (h *FeatureFlagsHandler) UpsertFeatureFlags(w http.ResponseWriter, r *http.Request) {
	var req featureflags.FlagUpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if len(req.Updates) == 0 {
		response.BadRequest(w, r, "at least one update is required", []models.FieldError{
			{Field: "updates", Message: "must not be empty", Code: models.CodeRequired},
		})
		return
	}

	var fieldErrs []models.FieldError
	flags := make([]*featureflags.Flag, 0, len(req.Updates))
	for _, u := range req.Updates {
		if !featureflags.KnownFlag(u.Key) {
			fieldErrs = append(fieldErrs, models.FieldError{
				Field: "updates." + u.Key, Message: "unknown feature flag", Code: models.CodeInvalid,
			})
			continue
		}
		if msg := checkFlagValue(u); msg != "" {
			fieldErrs = append(fieldErrs, models.FieldError{
				Field: "updates." + u.Key, Message: msg, Code: models.CodeInvalid,
			})
			continue
		}
		flags = append(flags, &featureflags.Flag{Key: u.Key, Value: u.Value})
	}
	if len(fieldErrs) > 0 {
		response.BadRequest(w, r, "invalid feature flag updates", fieldErrs)
		return
	}

	if err := h.service.SetFlags(r.Context(), flags); err != nil {
		h.logger.Error().Err(err).Msg("failed to update feature flags")
		response.InternalError(w, r, "failed to update feature flags")
		return
	}

	keys := make([]string, 0, len(flags))
	for _, f := range flags {
		keys = append(keys, f.Key)
	}
	h.logger.Info().
		Str("flags", strings.Join(keys, ",")).
		Str("reason", req.Reason).
		Msg("feature flags updated")

	response.JSON(w, r, http.StatusOK, h.list(r))
}

// ResetFeatureFlag handles DELETE /v1/admin/feature-flags/{key} - drop the
// stored override so the flag takes its default again.
func (h *FeatureFlagsHandler) ResetFeatureFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !featureflags.KnownFlag(key) {
		response.NotFound(w, r, "unknown feature flag "+key)
		return
	}

	if err := h.service.ResetFlags(r.Context(), key); err != nil {
		h.logger.Error().Err(err).Str("flag", key).Msg("failed to reset feature flag")
		response.InternalError(w, r, "failed to reset feature flag")
		return
	}
	response.NoContent(w, r)
}

// InvalidateCache handles POST /v1/admin/feature-flags/invalidate.
func (h *FeatureFlagsHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	h.service.InvalidateCache()
	response.NoContent(w, r)
}

// checkFlagValue returns a message when the value has the wrong type for the flag.
func checkFlagValue(u featureflags.FlagUpdate) string {
	if u.Key == featureflags.FlagStaleGraceMultiplier {
		if v, ok := u.Value.(float64); !ok || v < 1 || v != float64(int(v)) {
			return "must be a whole number of at least 1"
		}
		return ""
	}
	if _, ok := u.Value.(bool); !ok {
		return "must be a boolean"
	}
	return ""
}

func (h *FeatureFlagsHandler) list(r *http.Request) featureflags.FlagList {
	all := h.service.GetAllFlags(r.Context())
	list := featureflags.FlagList{Items: make([]featureflags.Flag, 0, len(all))}
	for _, f := range all {
		list.Items = append(list.Items, *f)
	}
	sort.Slice(list.Items, func(i, j int) bool { return list.Items[i].Key < list.Items[j].Key })
	return list
}
