package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/callsight/callsight/internal/api/response"
	"github.com/callsight/callsight/internal/cache"
	"github.com/callsight/callsight/internal/store"
)

// NewHealthHandler returns the handler for GET /api/v1/health. Degraded
// dependencies are reported but still answer 200; orchestration only needs
// to know the process is serving.
func NewHealthHandler(st store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if err := st.Ping(ctx); err != nil {
			dbStatus = "unavailable"
		}
		cacheStatus := "ok"
		if err := c.Ping(ctx); err != nil {
			cacheStatus = "unavailable"
		}

		status := "ok"
		if dbStatus != "ok" || cacheStatus != "ok" {
			status = "degraded"
		}

		response.JSON(w, map[string]string{
			"status":   status,
			"database": dbStatus,
			"cache":    cacheStatus,
		})
	}
}
