package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/callsight/callsight/internal/analysis"
	"github.com/callsight/callsight/internal/api/response"
	"github.com/callsight/callsight/pkg/models"
)

// RecoveryService defines the user-facing recovery operations.
type RecoveryService interface {
	Retry(ctx context.Context, caller analysis.Caller, id uuid.UUID) (*models.Call, error)
	Reanalyze(ctx context.Context, caller analysis.Caller, id uuid.UUID) (*models.Call, error)
}

// NewRetryHandler returns the handler for POST /api/v1/calls/{callID}/retry.
// Retry re-dispatches a call that is not currently running; an existing
// result survives until the new run replaces it.
func NewRetryHandler(svc RecoveryService) http.HandlerFunc {
	return recoveryHandler(func(ctx context.Context, svc RecoveryService, caller analysis.Caller, id uuid.UUID) (*models.Call, error) {
		return svc.Retry(ctx, caller, id)
	}, svc)
}

// NewReanalyzeHandler returns the handler for POST
// /api/v1/calls/{callID}/reanalyze. Reanalyze discards the previous result
// and runs analysis from scratch, even for a completed call.
func NewReanalyzeHandler(svc RecoveryService) http.HandlerFunc {
	return recoveryHandler(func(ctx context.Context, svc RecoveryService, caller analysis.Caller, id uuid.UUID) (*models.Call, error) {
		return svc.Reanalyze(ctx, caller, id)
	}, svc)
}

func recoveryHandler(op func(context.Context, RecoveryService, analysis.Caller, uuid.UUID) (*models.Call, error), svc RecoveryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFrom(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "callID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "callID must be a UUID", nil)
			return
		}

		call, err := op(r.Context(), svc, caller, id)
		if err != nil {
			writeCallError(w, err)
			return
		}

		response.Accepted(w, callView{Call: call})
	}
}
