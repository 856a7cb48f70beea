package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livestatus/livestatus/internal/api/middleware"
	"github.com/livestatus/livestatus/internal/api/models"
	"github.com/livestatus/livestatus/internal/api/response"
)

// requestWithID returns a request whose context carries a request ID, as if it
// had passed through the RequestID middleware.
func requestWithID(t *testing.T, method, path string) *http.Request {
	t.Helper()
	var processed *http.Request
	handler := middleware.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		processed = r
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, path, http.NoBody))
	require.NotNil(t, processed)
	return processed
}

func TestJSON_IncludesRequestID(t *testing.T) {
	req := requestWithID(t, http.MethodGet, "/v1/resources")
	rec := httptest.NewRecorder()

	response.JSON(rec, req, http.StatusOK, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, middleware.GetRequestID(req.Context()), rec.Header().Get("X-Request-Id"))
	assert.JSONEq(t, `{"message":"hello"}`, rec.Body.String())
}

func TestJSON_WithoutRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	response.JSON(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody), http.StatusOK, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Request-Id"))
	assert.Zero(t, rec.Body.Len())
}

func TestCreatedAndAccepted_SetLocation(t *testing.T) {
	req := requestWithID(t, http.MethodPost, "/v1/resources")

	rec := httptest.NewRecorder()
	response.Created(rec, req, "/v1/resources/order-1", map[string]string{"resourceId": "order-1"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/v1/resources/order-1", rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	response.Accepted(rec, req, "", map[string]int{"resources": 2})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.JSONEq(t, `{"resources":2}`, rec.Body.String())
}

func TestNoContent(t *testing.T) {
	req := requestWithID(t, http.MethodDelete, "/v1/resources/order-1")
	rec := httptest.NewRecorder()

	response.NoContent(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Zero(t, rec.Body.Len())
}

func TestProblemResponses(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter, r *http.Request)
		status int
		typ    string
	}{
		{"bad request", func(w http.ResponseWriter, r *http.Request) {
			response.BadRequest(w, r, "malformed body", nil)
		}, http.StatusBadRequest, models.ProblemTypeValidation},
		{"invalid resource", func(w http.ResponseWriter, r *http.Request) {
			response.InvalidResource(w, r, "kind is required", []models.FieldError{{Field: "kind", Message: "is required"}})
		}, http.StatusBadRequest, models.ProblemTypeInvalidResource},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			response.NotFound(w, r, "resource not tracked")
		}, http.StatusNotFound, models.ProblemTypeNotFound},
		{"conflict", func(w http.ResponseWriter, r *http.Request) {
			response.Conflict(w, r, "already tracked")
		}, http.StatusConflict, models.ProblemTypeConflict},
		{"internal", func(w http.ResponseWriter, r *http.Request) {
			response.InternalError(w, r, "boom")
		}, http.StatusInternalServerError, models.ProblemTypeInternal},
		{"unavailable", func(w http.ResponseWriter, r *http.Request) {
			response.ServiceUnavailable(w, r, "engine closed")
		}, http.StatusServiceUnavailable, models.ProblemTypeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := requestWithID(t, http.MethodPost, "/v1/resources")
			rec := httptest.NewRecorder()

			tt.write(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

			var problem models.Problem
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
			assert.Equal(t, tt.typ, problem.Type)
			assert.Equal(t, tt.status, problem.Status)
			assert.Equal(t, "/v1/resources", problem.Instance)
			assert.Equal(t, middleware.GetRequestID(req.Context()), problem.TraceID)
		})
	}
}
