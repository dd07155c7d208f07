package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	CallStatusPending    = "pending"
	CallStatusProcessing = "processing"
	CallStatusCompleted  = "completed"
	CallStatusError      = "error"
)

// Call is a submitted call transcript and its analysis lifecycle. UpdatedAt
// doubles as the heartbeat: every state-affecting write advances it, and the
// stall detector treats its age as the sole liveness signal.
type Call struct {
	ID            uuid.UUID `db:"id"             json:"id"`
	OwnerID       uuid.UUID `db:"owner_id"       json:"owner_id"`
	Title         string    `db:"title"          json:"title"`
	Transcript    string    `db:"transcript"     json:"-"`
	Status        string    `db:"status"         json:"status"`
	AnalysisError *string   `db:"analysis_error" json:"analysis_error,omitempty"`
	CreatedAt     time.Time `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}

// Terminal reports whether the call has finished its current run.
func (c *Call) Terminal() bool {
	return c.Status == CallStatusCompleted || c.Status == CallStatusError
}
