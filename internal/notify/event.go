// Package notify carries call status changes from the database to connected
// clients. The Postgres trigger on calls emits a pg_notify payload on every
// status-affecting update; the Listener decodes it and the Hub fans it out to
// per-call subscribers.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Channel is the Postgres notification channel the calls trigger writes to.
const Channel = "call_events"

// Event is one call status transition as emitted by the database trigger.
// Old and new status travel together so consumers can tell a heartbeat touch
// (same status) from a real transition.
type Event struct {
	CallID        uuid.UUID `json:"call_id"`
	OwnerID       uuid.UUID `json:"owner_id"`
	OldStatus     string    `json:"old_status"`
	NewStatus     string    `json:"new_status"`
	AnalysisError *string   `json:"analysis_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Transition reports whether the event changed status at all.
func (e Event) Transition() bool {
	return e.OldStatus != e.NewStatus
}

// Terminal reports whether the event landed the call in a finished status.
func (e Event) Terminal() bool {
	return e.NewStatus == "completed" || e.NewStatus == "error"
}
