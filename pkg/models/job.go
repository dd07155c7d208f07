package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

const JobTypeBackfill = "backfill"

// JobProgress tracks counters for a single run. Counters are monotonic
// non-decreasing within a run; a reset only happens when a new run starts.
type JobProgress struct {
	Processed    int    `db:"processed"     json:"processed"`
	Total        int    `db:"total"         json:"total"`
	Errors       int    `db:"errors"        json:"errors"`
	CurrentBatch int    `db:"current_batch" json:"current_batch"`
	Message      string `db:"message"       json:"message"`
}

// Job tracks generic background work (bulk backfills, maintenance). Unlike
// calls, stalled jobs are cancelled automatically by the stall detector.
// Cursor is the backfill resume point: the last call id processed, so a step
// can always re-derive "how much is left" server-side.
type Job struct {
	ID          uuid.UUID   `db:"id"           json:"id"`
	JobType     string      `db:"job_type"     json:"job_type"`
	Status      string      `db:"status"       json:"status"`
	Progress    JobProgress `db:"-"            json:"progress"`
	Error       *string     `db:"error"        json:"error,omitempty"`
	Cursor      *uuid.UUID  `db:"cursor"       json:"cursor,omitempty"`
	CreatedBy   uuid.UUID   `db:"created_by"   json:"created_by"`
	StartedAt   *time.Time  `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time   `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at"   json:"updated_at"`
}
