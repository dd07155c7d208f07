package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultStepTimeout bounds a single backfill step request. The server
// commits each step's cursor and counters atomically, so a timed-out step is
// safe to retry: work the server recorded is never counted twice.
const DefaultStepTimeout = 90 * time.Second

// ErrStepTimeout reports that one step exceeded its deadline. It is distinct
// from other errors because the right reaction is retrying the step, not
// abandoning the job.
type ErrStepTimeout struct {
	JobID uuid.UUID
	Step  int
}

func (e *ErrStepTimeout) Error() string {
	return fmt.Sprintf("backfill job %s: step %d timed out", e.JobID, e.Step)
}

// BatchDriver drives a backfill job to completion by looping step requests.
type BatchDriver struct {
	client      *Client
	stepTimeout time.Duration
	// OnStep, when set, is called after each completed step.
	OnStep func(step int, result *StepResult)
}

// NewBatchDriver creates a driver with the default per-step timeout. Step
// requests routinely outlive the general-purpose client timeout, so the
// driver talks through its own transport with no blanket timeout: the
// per-step context is the only deadline, and hitting it is always reported
// as *ErrStepTimeout.
func NewBatchDriver(c *Client) *BatchDriver {
	stepClient := &Client{
		baseURL: c.baseURL,
		apiKey:  c.apiKey,
		client:  &http.Client{},
	}
	return &BatchDriver{client: stepClient, stepTimeout: DefaultStepTimeout}
}

// WithStepTimeout overrides the per-step deadline.
func (d *BatchDriver) WithStepTimeout(timeout time.Duration) *BatchDriver {
	d.stepTimeout = timeout
	return d
}

// Run creates a backfill job and steps it until the server reports complete.
// Each step gets its own deadline; a step that exceeds it surfaces as
// *ErrStepTimeout so callers can distinguish "slow, retry" from "broken".
func (d *BatchDriver) Run(ctx context.Context, batchSize int, reanalyze bool) (*Job, error) {
	job, err := d.client.StartBackfill(ctx)
	if err != nil {
		return nil, fmt.Errorf("start backfill: %w", err)
	}
	if err := d.Drive(ctx, job.ID, batchSize, reanalyze); err != nil {
		return nil, err
	}
	return d.client.GetJob(ctx, job.ID)
}

// Drive steps an existing job until complete.
func (d *BatchDriver) Drive(ctx context.Context, jobID uuid.UUID, batchSize int, reanalyze bool) error {
	for step := 1; ; step++ {
		result, err := d.step(ctx, jobID, step, batchSize, reanalyze)
		if err != nil {
			return err
		}
		if d.OnStep != nil {
			d.OnStep(step, result)
		}
		if result.Complete {
			return nil
		}
	}
}

func (d *BatchDriver) step(ctx context.Context, jobID uuid.UUID, step, batchSize int, reanalyze bool) (*StepResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	defer cancel()

	result, err := d.client.BackfillStep(stepCtx, jobID, batchSize, reanalyze)
	if err != nil {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &ErrStepTimeout{JobID: jobID, Step: step}
		}
		return nil, fmt.Errorf("backfill step %d: %w", step, err)
	}
	return result, nil
}
