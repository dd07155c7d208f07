package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/callsight/callsight/internal/analysis"
	"github.com/callsight/callsight/internal/api/response"
	"github.com/callsight/callsight/pkg/models"
)

// BackfillService defines the batch backfill operations.
type BackfillService interface {
	StartBackfill(ctx context.Context, createdBy uuid.UUID) (*models.Job, error)
	BackfillStep(ctx context.Context, jobID uuid.UUID, batchSize int, reanalyze bool) (*analysis.StepResult, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// NewStartBackfillHandler returns the handler for POST /api/v1/admin/backfill.
// The job is created pending and sized once; steps do the actual work.
func NewStartBackfillHandler(svc BackfillService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFrom(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		job, err := svc.StartBackfill(r.Context(), caller.ID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create backfill job", nil)
			return
		}
		response.Created(w, job)
	}
}

// NewBackfillStepHandler returns the handler for POST
// /api/v1/admin/backfill/{jobID}/step. Each request runs one bounded batch
// synchronously and reports cumulative progress, so a looping client always
// knows how much is left without any client-side bookkeeping.
func NewBackfillStepHandler(svc BackfillService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		var req struct {
			BatchSize int  `json:"batch_size"`
			Reanalyze bool `json:"reanalyze"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}
		if req.BatchSize > 100 {
			req.BatchSize = 100
		}

		step, err := svc.BackfillStep(r.Context(), jobID, req.BatchSize, req.Reanalyze)
		if err != nil {
			switch {
			case errors.Is(err, analysis.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			case errors.Is(err, analysis.ErrJobNotRunnable):
				response.Error(w, http.StatusConflict, "JOB_NOT_RUNNABLE", err.Error(), nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Backfill step failed", nil)
			}
			return
		}
		response.JSON(w, step)
	}
}

// NewGetJobHandler returns the handler for GET /api/v1/admin/jobs/{jobID}.
func NewGetJobHandler(svc BackfillService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		job, err := svc.GetJob(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, analysis.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load job", nil)
			return
		}
		response.JSON(w, job)
	}
}
