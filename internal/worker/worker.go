// Package worker executes call analysis runs. A run claims the call,
// heartbeats while the provider thinks, and lands the call in exactly one
// terminal status. Runs are safe to trigger twice: the claim is a conditional
// update and loses cleanly.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/callsight/callsight/internal/cache"
	"github.com/callsight/callsight/internal/store"
	"github.com/callsight/callsight/pkg/models"
)

const statusCacheTTL = 30 * time.Minute

// Worker runs analysis for a single call at a time. It is stateless between
// runs, so one Worker value serves both the local trigger and the HTTP
// dispatch handler.
type Worker struct {
	store             store.Store
	cache             cache.Cache
	provider          models.AIProvider
	inferenceTimeout  time.Duration
	heartbeatInterval time.Duration
	analysesPerMinute int
}

func New(st store.Store, c cache.Cache, provider models.AIProvider, inferenceTimeout, heartbeatInterval time.Duration, analysesPerMinute int) *Worker {
	return &Worker{
		store:             st,
		cache:             c,
		provider:          provider,
		inferenceTimeout:  inferenceTimeout,
		heartbeatInterval: heartbeatInterval,
		analysesPerMinute: analysesPerMinute,
	}
}

// ProcessCall runs analysis for one call. With force=false a completed call is
// an idempotent no-op and a processing call means another run holds the claim.
// With force=true the completed short-circuit is skipped; the reset that put
// the call back into processing already happened on the control side.
func (w *Worker) ProcessCall(ctx context.Context, callID uuid.UUID, force bool) (err error) {
	log := slog.With("call_id", callID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("analysis run panicked", "panic", r)
			w.failCall(context.Background(), callID, fmt.Sprintf("internal error during analysis: %v", r))
			err = fmt.Errorf("analysis run panicked: %v", r)
		}
	}()

	call, err := w.store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("load call: %w", err)
	}

	if force && call.Status == models.CallStatusProcessing {
		// Reanalysis: the reset already moved the call into processing.
		// Touch the heartbeat so the stall scanner sees a live run.
		if err := w.store.TouchCallHeartbeat(ctx, callID); err != nil {
			return fmt.Errorf("touch heartbeat: %w", err)
		}
	} else {
		if !force && call.Status == models.CallStatusCompleted {
			log.Info("call already analyzed, skipping duplicate trigger")
			return nil
		}
		claimed, err := w.claim(ctx, callID, log)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
	}

	if err := w.cache.SetCallStatus(ctx, callID, models.CallStatusProcessing, statusCacheTTL); err != nil {
		log.Warn("failed to cache processing status", "error", err)
	}

	if w.analysesPerMinute > 0 {
		count, rlErr := w.cache.IncrWithExpiry(ctx, cache.AnalysisRateKey(call.OwnerID), time.Minute)
		if rlErr != nil {
			log.Warn("rate counter unavailable, allowing run", "error", rlErr)
		} else if count > int64(w.analysesPerMinute) {
			msg := "analysis rate limit exceeded, retry in a minute"
			log.Warn("owner over analysis rate limit", "owner_id", call.OwnerID, "count", count)
			w.failCall(ctx, callID, msg)
			return fmt.Errorf("owner %s over analysis rate limit", call.OwnerID)
		}
	}

	stopHeartbeat := w.startHeartbeat(callID)
	defer stopHeartbeat()

	analysisCtx, cancel := context.WithTimeout(ctx, w.inferenceTimeout)
	defer cancel()

	log.Info("starting analysis", "provider", w.provider.Name(), "force", force)
	result, err := w.provider.AnalyzeCall(analysisCtx, models.AnalysisRequest{Call: *call})
	if err != nil {
		log.Error("analysis failed", "provider", w.provider.Name(), "error", err)
		w.failCall(ctx, callID, err.Error())
		return fmt.Errorf("analyze call: %w", err)
	}

	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	result.CallID = callID
	result.Provider = w.provider.Name()
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	if err := w.store.CompleteCallAnalysis(ctx, &result); err != nil {
		if err == store.ErrConflict {
			// Lost the finish line to a concurrent run; its result stands.
			log.Warn("call left processing before completion, dropping result")
			return nil
		}
		log.Error("failed to store analysis result", "error", err)
		w.failCall(ctx, callID, "failed to store analysis result")
		return fmt.Errorf("complete call analysis: %w", err)
	}

	if err := w.cache.InvalidateCall(ctx, callID); err != nil {
		log.Warn("failed to invalidate call cache", "error", err)
	}
	if err := w.cache.SetCallStatus(ctx, callID, models.CallStatusCompleted, statusCacheTTL); err != nil {
		log.Warn("failed to cache completed status", "error", err)
	}

	log.Info("analysis completed", "provider", w.provider.Name(), "sentiment", result.Sentiment)
	return nil
}

func (w *Worker) claim(ctx context.Context, callID uuid.UUID, log *slog.Logger) (bool, error) {
	if err := w.store.ClaimCallForAnalysis(ctx, callID); err != nil {
		if err == store.ErrConflict {
			log.Info("call already claimed by another run, skipping")
			return false, nil
		}
		return false, fmt.Errorf("claim call: %w", err)
	}
	return true, nil
}

// startHeartbeat advances updated_at on a ticker until the returned stop
// function is called. Heartbeats use a background context so a cancelled run
// context cannot mask the final transition.
func (w *Worker) startHeartbeat(callID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.store.TouchCallHeartbeat(context.Background(), callID); err != nil {
					slog.Warn("heartbeat failed", "call_id", callID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// failCall records the terminal error and keeps caches coherent. Best effort:
// by this point the run is already being reported as failed.
func (w *Worker) failCall(ctx context.Context, callID uuid.UUID, message string) {
	if err := w.store.FailCallAnalysis(ctx, callID, message); err != nil {
		slog.Error("failed to mark call errored", "call_id", callID, "error", err)
		return
	}
	if err := w.cache.InvalidateCall(ctx, callID); err != nil {
		slog.Warn("failed to invalidate call cache", "call_id", callID, "error", err)
	}
	if err := w.cache.SetCallStatus(ctx, callID, models.CallStatusError, statusCacheTTL); err != nil {
		slog.Warn("failed to cache error status", "call_id", callID, "error", err)
	}
}
