// Package handler contains the HTTP handlers. Each handler depends on a
// narrow interface so tests can stub the service layer.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/callsight/callsight/internal/analysis"
	mw "github.com/callsight/callsight/internal/api/middleware"
	"github.com/callsight/callsight/internal/api/response"
	"github.com/callsight/callsight/internal/store"
	"github.com/callsight/callsight/pkg/models"
)

const maxTranscriptBytes = 512 * 1024

// CallService defines the call operations handlers depend on.
type CallService interface {
	SubmitCall(ctx context.Context, ownerID uuid.UUID, title, transcript string) (*models.Call, error)
	GetCall(ctx context.Context, caller analysis.Caller, id uuid.UUID) (*models.Call, *models.AnalysisResult, error)
	ListCalls(ctx context.Context, caller analysis.Caller, filter store.CallFilter) ([]*models.Call, int, error)
}

type callView struct {
	*models.Call
	Result *models.AnalysisResult `json:"result,omitempty"`
}

// NewSubmitCallHandler returns the handler for POST /api/v1/calls. Submission
// is acknowledged with 202: analysis runs asynchronously and the response
// only promises that the call was recorded and dispatch attempted.
func NewSubmitCallHandler(svc CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := mw.GetUser(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req struct {
			Title      string `json:"title"`
			Transcript string `json:"transcript"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxTranscriptBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Transcript == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "transcript is required", nil)
			return
		}
		if req.Title == "" {
			req.Title = "Untitled call"
		}

		call, err := svc.SubmitCall(r.Context(), user.ID, req.Title, req.Transcript)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to store call", nil)
			return
		}

		response.Accepted(w, callView{Call: call})
	}
}

// NewGetCallHandler returns the handler for GET /api/v1/calls/{callID}. This
// is the poll endpoint: it always reads authoritative state, and includes the
// analysis result once the call is completed.
func NewGetCallHandler(svc CallService) http.HandlerFunc {
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

		call, result, err := svc.GetCall(r.Context(), caller, id)
		if err != nil {
			writeCallError(w, err)
			return
		}

		response.JSON(w, callView{Call: call, Result: result})
	}
}

// NewListCallsHandler returns the handler for GET /api/v1/calls.
func NewListCallsHandler(svc CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFrom(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		filter := store.CallFilter{
			Status: r.URL.Query().Get("status"),
			Page:   queryInt(r, "page", 1),
			Limit:  queryInt(r, "limit", 20),
		}
		if filter.Limit > 100 {
			filter.Limit = 100
		}

		calls, total, err := svc.ListCalls(r.Context(), caller, filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list calls", nil)
			return
		}

		views := make([]callView, 0, len(calls))
		for _, c := range calls {
			views = append(views, callView{Call: c})
		}
		response.Collection(w, views, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

func callerFrom(r *http.Request) (analysis.Caller, bool) {
	user, ok := mw.GetUser(r)
	if !ok {
		return analysis.Caller{}, false
	}
	return analysis.Caller{ID: user.ID, Role: user.Role}, true
}

func queryInt(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, analysis.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Call not found", nil)
	case errors.Is(err, analysis.ErrForbidden):
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "You may not act on this call", nil)
	case errors.Is(err, analysis.ErrConflict):
		response.Error(w, http.StatusConflict, "ANALYSIS_IN_PROGRESS",
			"Analysis is already running for this call", nil)
	case errors.Is(err, analysis.ErrDispatchFailed):
		response.Error(w, http.StatusBadGateway, "DISPATCH_FAILED",
			"Could not reach the analysis worker", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
