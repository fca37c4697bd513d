package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/models"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/service"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/utils"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Handlers contains HTTP request handlers
type Handlers struct {
	jobService *service.JobService
}

// NewHandlers creates new API handlers
func NewHandlers(jobService *service.JobService) *Handlers {
	return &Handlers{jobService: jobService}
}

// CreateBatch queues a batch job
func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	if !utils.ValidateContentType(r, "application/json") {
		utils.WriteErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
		return
	}

	var req models.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		utils.WriteErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	job, err := h.jobService.Submit(req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		log.Error().
			Str("path", req.Path).
			Err(err).
			Msg("Failed to submit batch")
		utils.WriteErrorResponse(w, status, "Failed to submit batch", err)
		return
	}

	utils.WriteStatusResponse(w, http.StatusAccepted, "Batch queued", models.BatchResponse{
		JobID: job.ID,
		Job:   *job,
	})
}

// ListBatches lists all known jobs
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccessResponse(w, "Batches retrieved successfully", h.jobService.List())
}

// GetBatch returns a job's status, progress and result
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	job, err := h.jobService.Get(jobID)
	if err != nil {
		utils.WriteErrorResponse(w, http.StatusNotFound, "Job not found", err)
		return
	}

	utils.WriteSuccessResponse(w, "Job retrieved successfully", job)
}

// CancelBatch cancels a queued or running job
func (h *Handlers) CancelBatch(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	err := h.jobService.Cancel(jobID)
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		utils.WriteErrorResponse(w, http.StatusNotFound, "Job not found", err)
	case errors.Is(err, service.ErrJobFinished):
		utils.WriteErrorResponse(w, http.StatusConflict, "Job already finished", err)
	case err != nil:
		utils.WriteErrorResponse(w, http.StatusInternalServerError, "Failed to cancel job", err)
	default:
		utils.WriteSuccessResponse(w, "Job cancellation requested", nil)
	}
}

// HealthCheck returns server health status
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   Version,
	}
	utils.WriteSuccessResponse(w, "Service is healthy", health)
}
