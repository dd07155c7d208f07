package models

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisResult holds AI-generated coaching output for a call. At most one
// row exists per call, and only while the call is completed; a reanalyze
// deletes it before re-running.
type AnalysisResult struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	CallID         uuid.UUID `db:"call_id"         json:"call_id"`
	Provider       string    `db:"provider"        json:"provider"`
	Model          string    `db:"model"           json:"model"`
	Summary        string    `db:"summary"         json:"summary"`
	Sentiment      string    `db:"sentiment"       json:"sentiment"`
	TalkRatio      float64   `db:"talk_ratio"      json:"talk_ratio"`
	CoachingPoints []string  `db:"coaching_points" json:"coaching_points"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
}
