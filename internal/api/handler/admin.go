package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/callsight/callsight/internal/api/response"
	"github.com/callsight/callsight/pkg/models"
)

// StallService surfaces calls whose analysis run appears dead.
type StallService interface {
	StalledCalls(ctx context.Context, olderThan time.Duration) ([]*models.Call, error)
}

type stalledCallView struct {
	ID               uuid.UUID `json:"id"`
	OwnerID          uuid.UUID `json:"owner_id"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	HeartbeatAgeSecs int64     `json:"heartbeat_age_secs"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewStalledCallsHandler returns the handler for GET
// /api/v1/admin/stalled-calls. Stalled call analyses are surfaced rather
// than auto-cancelled; the admin decides between retry and reanalyze.
func NewStalledCallsHandler(svc StallService, threshold time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls, err := svc.StalledCalls(r.Context(), threshold)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list stalled calls", nil)
			return
		}

		views := make([]stalledCallView, 0, len(calls))
		now := time.Now()
		for _, c := range calls {
			views = append(views, stalledCallView{
				ID:               c.ID,
				OwnerID:          c.OwnerID,
				Title:            c.Title,
				Status:           c.Status,
				HeartbeatAgeSecs: int64(now.Sub(c.UpdatedAt).Seconds()),
				UpdatedAt:        c.UpdatedAt,
			})
		}
		response.JSON(w, views)
	}
}
