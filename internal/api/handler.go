// Package api provides the HTTP handlers and routing for the jobs service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"jobsengine/internal/apperrors"
	"jobsengine/internal/health"
	"jobsengine/internal/job"
	"jobsengine/internal/notify"
	"jobsengine/internal/observability"
	"jobsengine/internal/orchestrator"
)

// maxRequestBodySize limits request bodies to 1MB to prevent memory exhaustion.
const maxRequestBodySize = 1 << 20

// identityHeader carries the submitter identity, validated upstream.
const identityHeader = "X-Identity"

// Handler contains the HTTP handlers for the jobs API.
type Handler struct {
	svc      *orchestrator.Service
	metrics  *observability.Metrics
	health   *health.Checker
	notifier *notify.Notifier
}

// NewHandler creates a new API handler.
func NewHandler(svc *orchestrator.Service, metrics *observability.Metrics, healthChecker *health.Checker, notifier *notify.Notifier) *Handler {
	return &Handler{
		svc:      svc,
		metrics:  metrics,
		health:   healthChecker,
		notifier: notifier,
	}
}

// SubmitJob handles POST /v1/jobs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var sub job.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	sub.CreatedBy = r.Header.Get(identityHeader)

	j, err := h.svc.Submit(r.Context(), sub)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			h.writeJSON(w, http.StatusConflict, map[string]string{
				"error":            err.Error(),
				"conflictingJobId": apperrors.ConflictingJobID(err),
			})
			return
		}
		h.handleError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordJobSubmitted(r.Context(), string(j.Kind))
	}

	h.writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /v1/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.Filter{
		Kind:        job.Kind(q.Get("kind")),
		ResourceKey: q.Get("resourceKey"),
		Status:      job.Status(q.Get("status")),
		CreatedBy:   q.Get("createdBy"),
		Limit:       intParam(q.Get("limit"), 50),
		Offset:      intParam(q.Get("offset"), 0),
	}

	jobs, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /v1/jobs/{jobId}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// CancelJob handles DELETE /v1/jobs/{jobId}. Cancellation of a running job
// is asynchronous; the response only acknowledges the request.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.svc.Cancel(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetLogs handles GET /v1/jobs/{jobId}/logs. The since parameter replays
// from an exclusive sequence cursor.
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	since := int64(intParam(r.URL.Query().Get("since"), 0))

	entries, err := h.svc.Logs(r.Context(), jobID, since)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []job.LogEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// GetPipeline handles GET /v1/jobs/{jobId}/pipeline.
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	p, err := h.svc.Pipeline(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())
	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// NotifierStats handles GET /v1/stats/notifier.
func (h *Handler) NotifierStats(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		h.writeJSON(w, http.StatusOK, notify.Stats{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.notifier.Stats())
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

func intParam(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
