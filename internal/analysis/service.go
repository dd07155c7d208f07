// Package analysis is the control plane for call analysis: submission,
// status reads, the retry/reanalyze recovery actions, and the batch backfill
// protocol. The worker owns execution; this package owns state transitions
// visible to users.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/callsight/callsight/internal/cache"
	"github.com/callsight/callsight/internal/dispatch"
	"github.com/callsight/callsight/internal/store"
	"github.com/callsight/callsight/pkg/models"
)

const resultCacheTTL = 30 * time.Minute

// Caller identifies who is acting, for ownership checks.
type Caller struct {
	ID   uuid.UUID
	Role string
}

func (c Caller) Admin() bool { return c.Role == models.RoleAdmin }

func (c Caller) CanAct(ownerID uuid.UUID) bool {
	return c.Admin() || c.ID == ownerID
}

// StepResult is the outcome of one backfill step. Processed counts items
// handled in this step; Errors is the job's cumulative error count.
type StepResult struct {
	Processed int  `json:"processed"`
	Remaining int  `json:"remaining"`
	Total     int  `json:"total"`
	Errors    int  `json:"errors"`
	Complete  bool `json:"complete"`
}

// Service coordinates analysis state transitions. The trigger is the
// fire-and-forget dispatch path for single calls; the runner executes
// analysis synchronously inside backfill steps so a step's counters reflect
// finished work.
type Service struct {
	store   store.Store
	cache   cache.Cache
	trigger dispatch.Trigger
	runner  dispatch.Runner
}

func NewService(st store.Store, c cache.Cache, trigger dispatch.Trigger, runner dispatch.Runner) *Service {
	return &Service{store: st, cache: c, trigger: trigger, runner: runner}
}

// SubmitCall stores the transcript as a pending call and dispatches analysis.
// A dispatch failure does not fail the submission: the call stays pending and
// is recoverable via retry, which is the whole point of keeping submission
// and execution decoupled.
func (s *Service) SubmitCall(ctx context.Context, ownerID uuid.UUID, title, transcript string) (*models.Call, error) {
	now := time.Now().UTC()
	call := &models.Call{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Title:      title,
		Transcript: transcript,
		Status:     models.CallStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}

	if err := s.cache.SetCallStatus(ctx, call.ID, call.Status, resultCacheTTL); err != nil {
		slog.Warn("failed to cache call status", "call_id", call.ID, "error", err)
	}

	if err := s.trigger.Dispatch(ctx, dispatch.DispatchRequest{CallID: call.ID}); err != nil {
		slog.Warn("dispatch failed on submit, call left pending for retry",
			"call_id", call.ID, "error", err)
	}
	return call, nil
}

// GetCall returns the call and, when completed, its analysis result.
func (s *Service) GetCall(ctx context.Context, caller Caller, id uuid.UUID) (*models.Call, *models.AnalysisResult, error) {
	call, err := s.store.GetCall(ctx, id)
	if err != nil {
		return nil, nil, mapStoreErr(err)
	}
	if !caller.CanAct(call.OwnerID) {
		return nil, nil, ErrForbidden
	}

	if call.Status != models.CallStatusCompleted {
		return call, nil, nil
	}

	result, err := s.cachedResult(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return call, result, nil
}

// ListCalls lists calls visible to the caller. Members are pinned to their
// own calls regardless of the requested filter.
func (s *Service) ListCalls(ctx context.Context, caller Caller, filter store.CallFilter) ([]*models.Call, int, error) {
	if !caller.Admin() {
		filter.OwnerID = caller.ID
	}
	return s.store.ListCalls(ctx, filter)
}

// Retry re-dispatches analysis for a call that is not currently running.
// The call row is untouched: the worker's claim performs the actual
// transition, so a failed dispatch leaves nothing to roll back.
func (s *Service) Retry(ctx context.Context, caller Caller, id uuid.UUID) (*models.Call, error) {
	call, err := s.store.GetCall(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !caller.CanAct(call.OwnerID) {
		return nil, ErrForbidden
	}
	if call.Status == models.CallStatusProcessing {
		return nil, ErrConflict
	}

	if err := s.trigger.Dispatch(ctx, dispatch.DispatchRequest{CallID: id}); err != nil {
		slog.Error("retry dispatch failed", "call_id", id, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	return call, nil
}

// Reanalyze discards the previous result and runs analysis again, even for a
// completed call. The reset moves the call into processing before dispatch;
// if dispatch then fails, the call is parked in error rather than left
// processing forever with no run behind it.
func (s *Service) Reanalyze(ctx context.Context, caller Caller, id uuid.UUID) (*models.Call, error) {
	call, err := s.store.GetCall(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !caller.CanAct(call.OwnerID) {
		return nil, ErrForbidden
	}

	if err := s.store.ResetCallForReanalysis(ctx, id); err != nil {
		return nil, mapStoreErr(err)
	}
	if err := s.cache.InvalidateCall(ctx, id); err != nil {
		slog.Warn("failed to invalidate call cache", "call_id", id, "error", err)
	}
	if err := s.cache.SetCallStatus(ctx, id, models.CallStatusProcessing, resultCacheTTL); err != nil {
		slog.Warn("failed to cache call status", "call_id", id, "error", err)
	}

	if err := s.trigger.Dispatch(ctx, dispatch.DispatchRequest{CallID: id, ForceReanalyze: true}); err != nil {
		slog.Error("reanalyze dispatch failed, parking call in error", "call_id", id, "error", err)
		if failErr := s.store.FailCallAnalysis(ctx, id, "failed to start reanalysis"); failErr != nil {
			slog.Error("failed to park call after dispatch failure", "call_id", id, "error", failErr)
		}
		if cacheErr := s.cache.SetCallStatus(ctx, id, models.CallStatusError, resultCacheTTL); cacheErr != nil {
			slog.Warn("failed to cache call status", "call_id", id, "error", cacheErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	call.Status = models.CallStatusProcessing
	call.AnalysisError = nil
	return call, nil
}

// StalledCalls returns active calls whose heartbeat is older than the
// threshold, for the admin recovery view.
func (s *Service) StalledCalls(ctx context.Context, olderThan time.Duration) ([]*models.Call, error) {
	return s.store.ListStalledCalls(ctx, olderThan)
}

// StartBackfill creates a pending backfill job sized to the current call
// count. The job does no work until the first step arrives.
func (s *Service) StartBackfill(ctx context.Context, createdBy uuid.UUID) (*models.Job, error) {
	total, err := s.store.CountCalls(ctx)
	if err != nil {
		return nil, fmt.Errorf("count calls: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		JobType:   models.JobTypeBackfill,
		Status:    models.JobStatusPending,
		Progress:  models.JobProgress{Total: total},
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create backfill job: %w", err)
	}
	return job, nil
}

// GetJob returns the job for status polling.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return job, nil
}

// BackfillStep runs one bounded batch of the backfill job. The cursor and the
// progress counters commit together, so a step the client gave up on is
// either fully recorded or not recorded at all; retrying the request never
// double-counts recorded work.
func (s *Service) BackfillStep(ctx context.Context, jobID uuid.UUID, batchSize int, reanalyze bool) (*StepResult, error) {
	if batchSize <= 0 {
		batchSize = 10
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if job.JobType != models.JobTypeBackfill {
		return nil, fmt.Errorf("%w: job type %q", ErrJobNotRunnable, job.JobType)
	}

	switch job.Status {
	case models.JobStatusCompleted:
		return &StepResult{
			Total:    job.Progress.Total,
			Errors:   job.Progress.Errors,
			Complete: true,
		}, nil
	case models.JobStatusCancelled, models.JobStatusFailed:
		return nil, fmt.Errorf("%w: job is %s", ErrJobNotRunnable, job.Status)
	case models.JobStatusPending:
		if err := s.store.MarkJobProcessing(ctx, jobID); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("mark job processing: %w", err)
		}
	}

	batch, err := s.store.NextBackfillBatch(ctx, job.Cursor, batchSize)
	if err != nil {
		return nil, fmt.Errorf("next backfill batch: %w", err)
	}

	if len(batch) == 0 {
		s.finishBackfill(ctx, jobID)
		return &StepResult{
			Remaining: 0,
			Total:     job.Progress.Total,
			Errors:    job.Progress.Errors,
			Complete:  true,
		}, nil
	}

	errored := 0
	for _, call := range batch {
		if err := s.backfillOne(ctx, call, reanalyze); err != nil {
			slog.Warn("backfill item failed", "job_id", jobID, "call_id", call.ID, "error", err)
			errored++
		}
	}

	cursor := batch[len(batch)-1].ID
	message := fmt.Sprintf("processed %d calls through %s", len(batch), cursor)
	if err := s.store.AdvanceBackfill(ctx, jobID, cursor, len(batch), errored, message); err != nil {
		return nil, fmt.Errorf("advance backfill: %w", err)
	}

	processedTotal := job.Progress.Processed + len(batch)
	remaining := job.Progress.Total - processedTotal
	if remaining < 0 {
		remaining = 0
	}
	complete := len(batch) < batchSize
	if complete {
		s.finishBackfill(ctx, jobID)
	}

	return &StepResult{
		Processed: len(batch),
		Remaining: remaining,
		Total:     job.Progress.Total,
		Errors:    job.Progress.Errors + errored,
		Complete:  complete,
	}, nil
}

// backfillOne analyzes a single call synchronously. In reanalyze mode every
// call is reset and rerun; otherwise completed calls are left alone and only
// unfinished ones are (re)run.
func (s *Service) backfillOne(ctx context.Context, call *models.Call, reanalyze bool) error {
	if reanalyze {
		if err := s.store.ResetCallForReanalysis(ctx, call.ID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("call has an active run")
			}
			return err
		}
		if err := s.cache.InvalidateCall(ctx, call.ID); err != nil {
			slog.Warn("failed to invalidate call cache", "call_id", call.ID, "error", err)
		}
		return s.runner.ProcessCall(ctx, call.ID, true)
	}

	if call.Status == models.CallStatusCompleted {
		return nil
	}
	return s.runner.ProcessCall(ctx, call.ID, false)
}

// finishBackfill marks the job completed, tolerating a concurrent step having
// done it first.
func (s *Service) finishBackfill(ctx context.Context, jobID uuid.UUID) {
	err := s.store.FinishJob(ctx, jobID, models.JobStatusCompleted,
		store.WithProgressMessage("backfill complete"))
	if err != nil && !errors.Is(err, store.ErrConflict) {
		slog.Error("failed to mark backfill complete", "job_id", jobID, "error", err)
	}
}

func (s *Service) cachedResult(ctx context.Context, callID uuid.UUID) (*models.AnalysisResult, error) {
	if data, ok, err := s.cache.Get(ctx, cache.CallResultKey(callID)); err == nil && ok {
		var result models.AnalysisResult
		if err := json.Unmarshal(data, &result); err == nil {
			return &result, nil
		}
	}

	result, err := s.store.GetAnalysisResultByCallID(ctx, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Completed status read just before a reanalyze reset removed
			// the result; report the call without one.
			return nil, nil
		}
		return nil, fmt.Errorf("load analysis result: %w", err)
	}

	if data, err := json.Marshal(result); err == nil {
		if err := s.cache.Set(ctx, cache.CallResultKey(callID), data, resultCacheTTL); err != nil {
			slog.Warn("failed to cache analysis result", "call_id", callID, "error", err)
		}
	}
	return result, nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	default:
		return err
	}
}
