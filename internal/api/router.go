package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/callsight/callsight/internal/api/middleware"
	"github.com/callsight/callsight/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitCallHandler http.HandlerFunc
	GetCallHandler    http.HandlerFunc
	ListCallsHandler  http.HandlerFunc
	CallEventsHandler http.HandlerFunc
	RetryHandler      http.HandlerFunc
	ReanalyzeHandler  http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc

	StalledCallsHandler  http.HandlerFunc
	StartBackfillHandler http.HandlerFunc
	BackfillStepHandler  http.HandlerFunc
	GetJobHandler        http.HandlerFunc

	// WorkerAnalyzeHandler is mounted outside /api/v1: it is the dispatch
	// target, authenticated by the shared worker credential, not a user key.
	WorkerAnalyzeHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Worker dispatch target (credential-authenticated in the handler)
	r.Post("/internal/worker/analyze", orNotImplemented(deps.WorkerAnalyzeHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/calls", orNotImplemented(deps.SubmitCallHandler))
		r.Get("/api/v1/calls", orNotImplemented(deps.ListCallsHandler))
		r.Get("/api/v1/calls/{callID}", orNotImplemented(deps.GetCallHandler))
		r.Get("/api/v1/calls/{callID}/events", orNotImplemented(deps.CallEventsHandler))
		r.Post("/api/v1/calls/{callID}/retry", orNotImplemented(deps.RetryHandler))
		r.Post("/api/v1/calls/{callID}/reanalyze", orNotImplemented(deps.ReanalyzeHandler))

		r.Post("/api/v1/keys", orNotImplemented(deps.CreateKeyHandler))
		r.Get("/api/v1/keys", orNotImplemented(deps.ListKeysHandler))
		r.Delete("/api/v1/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireAdmin)

			r.Get("/api/v1/admin/stalled-calls", orNotImplemented(deps.StalledCallsHandler))
			r.Post("/api/v1/admin/backfill", orNotImplemented(deps.StartBackfillHandler))
			r.Post("/api/v1/admin/backfill/{jobID}/step", orNotImplemented(deps.BackfillStepHandler))
			r.Get("/api/v1/admin/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
