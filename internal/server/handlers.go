package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/maauso/hunyuan-i2v-worker/internal/handler"
	"github.com/maauso/hunyuan-i2v-worker/internal/job"
	"github.com/maauso/hunyuan-i2v-worker/internal/supervisor"
)

// JobService is the job queue the handlers drive.
type JobService interface {
	Submit(ctx context.Context, input handler.Input) (*job.Job, error)
	RunSync(ctx context.Context, input handler.Input) (*job.Job, error)
	GetJob(ctx context.Context, id string) (*job.Job, error)
}

// Backend reports the lifecycle state of the generation backend.
type Backend interface {
	State() supervisor.State
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service JobService
	backend Backend
	logger  *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service JobService, backend Backend, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		service: service,
		backend: backend,
		logger:  logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	state := h.backend.State()
	if state != supervisor.StateReady {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Backend: state.String()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Backend: state.String()})
}

// Run handles POST /run requests: the job is queued and its ID returned.
func (h *Handlers) Run(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRunRequest(w, r)
	if !ok {
		return
	}

	created, err := h.service.Submit(r.Context(), *req.Input)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.logger.Info("job accepted", slog.String("job_id", created.ID))

	writeJSON(w, http.StatusAccepted, JobResponse{
		ID:     created.ID,
		Status: string(created.Status),
	})
}

// RunSync handles POST /runsync requests: the job is queued and the
// response is sent once it finished or the request ended.
func (h *Handlers) RunSync(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRunRequest(w, r)
	if !ok {
		return
	}

	finished, err := h.service.RunSync(r.Context(), *req.Input)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(finished))
}

// Status handles GET /status/{id} requests.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	found, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(found))
}

func (h *Handlers) decodeRunRequest(w http.ResponseWriter, r *http.Request) (RunRequest, bool) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "BODY_TOO_LARGE")
			return req, false
		}
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return req, false
	}

	// Field rules are checked by the job handler so they surface as job failures.
	if req.Input == nil {
		h.logger.Warn("request validation failed", slog.String("error", "missing input"))
		writeError(w, http.StatusBadRequest, "input is required", "VALIDATION_ERROR")
		return req, false
	}

	return req, true
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "QUEUE_FULL")
	case errors.Is(err, job.ErrServiceStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "SHUTTING_DOWN")
	default:
		h.logger.Error("failed to create job", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
	}
}

func toJobResponse(j *job.Job) JobResponse {
	return JobResponse{
		ID:            j.ID,
		Status:        string(j.Status),
		Output:        j.Output,
		Error:         j.Error,
		DelayTime:     j.DelayTime().Milliseconds(),
		ExecutionTime: j.ExecutionTime().Milliseconds(),
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
