package store

import (
	"context"
	"errors"
	"time"

	"github.com/callsight/callsight/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned when a conditional status update matched a row that
// was not in an eligible status, e.g. claiming a call that another run is
// already processing. Conditional updates are the real mutual-exclusion
// mechanism here; callers may read-then-check first only for friendlier
// errors.
var ErrConflict = errors.New("conflicting concurrent update")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetDefaultAdmin(ctx context.Context) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	CreateCall(ctx context.Context, call *models.Call) error
	GetCall(ctx context.Context, id uuid.UUID) (*models.Call, error)
	ListCalls(ctx context.Context, filter CallFilter) ([]*models.Call, int, error)
	// ClaimCallForAnalysis moves a pending or errored call into processing
	// with a single conditional update. Returns ErrConflict if another run
	// holds the call or it already completed; completed calls re-enter
	// processing only through ResetCallForReanalysis.
	ClaimCallForAnalysis(ctx context.Context, id uuid.UUID) error
	// TouchCallHeartbeat advances updated_at without changing status.
	TouchCallHeartbeat(ctx context.Context, id uuid.UUID) error
	// CompleteCallAnalysis stores the result and marks the call completed in
	// one transaction, so a result row is never visible on a non-completed call.
	CompleteCallAnalysis(ctx context.Context, result *models.AnalysisResult) error
	FailCallAnalysis(ctx context.Context, id uuid.UUID, message string) error
	// ResetCallForReanalysis deletes the prior result, clears the error and
	// force-sets status=processing, conditional on no run being active.
	ResetCallForReanalysis(ctx context.Context, id uuid.UUID) error
	ListStalledCalls(ctx context.Context, olderThan time.Duration) ([]*models.Call, error)
	CountCalls(ctx context.Context) (int, error)

	GetAnalysisResultByCallID(ctx context.Context, callID uuid.UUID) (*models.AnalysisResult, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// MarkJobProcessing transitions pending -> processing; ErrConflict otherwise.
	MarkJobProcessing(ctx context.Context, id uuid.UUID) error
	// FinishJob transitions processing -> completed|failed; ErrConflict otherwise.
	FinishJob(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	// CancelStalledJobs cancels every job still pending|processing whose
	// heartbeat is older than the threshold, in one conditional update, and
	// returns how many were cancelled. A job that completes between scan and
	// write is untouched.
	CancelStalledJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	// NextBackfillBatch returns up to limit calls ordered by id, strictly
	// after cursor (nil cursor = from the beginning).
	NextBackfillBatch(ctx context.Context, cursor *uuid.UUID, limit int) ([]*models.Call, error)
	// AdvanceBackfill commits a step: cursor and progress counters move
	// together, counters only ever grow.
	AdvanceBackfill(ctx context.Context, jobID uuid.UUID, cursor uuid.UUID, processed, errored int, message string) error
}

type CallFilter struct {
	OwnerID uuid.UUID // uuid.Nil lists all owners (admin)
	Status  string
	Page    int
	Limit   int
}

type jobUpdateParams struct {
	ErrorMessage *string
	Message      *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithProgressMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Message = &msg
	}
}
