package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/callsight/callsight/internal/api/response"
	"github.com/callsight/callsight/internal/dispatch"
)

// NewWorkerAnalyzeHandler returns the handler for POST
// /internal/worker/analyze, the dispatch target when the worker runs as its
// own deployment. The 202 acks acceptance only; the run itself happens in a
// fresh goroutine with a background context so the dispatcher hanging up
// cannot abort it.
func NewWorkerAnalyzeHandler(runner dispatch.Runner, credential string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractWorkerToken(r)
		if credential == "" || subtle.ConstantTimeCompare([]byte(token), []byte(credential)) != 1 {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid worker credential", nil)
			return
		}

		var req dispatch.DispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallID == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "call_id is required", nil)
			return
		}

		go runner.ProcessCall(context.Background(), req.CallID, req.ForceReanalyze)

		response.Accepted(w, map[string]string{"call_id": req.CallID.String()})
	}
}

func extractWorkerToken(r *http.Request) string {
	return extractBearer(r.Header.Get("Authorization"))
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
