// Package dispatch fires analysis work at the worker. Dispatch acknowledges
// that the work was accepted, never that it finished; completion is only ever
// observed through the call row.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var ErrDispatchFailed = errors.New("worker dispatch failed")

// DispatchRequest is the wire payload sent to the worker. ForceReanalyze
// makes the worker bypass its completed-call idempotency short-circuit.
type DispatchRequest struct {
	CallID         uuid.UUID `json:"call_id"`
	ForceReanalyze bool      `json:"force_reanalyze"`
}

// Trigger dispatches analysis work fire-and-forget.
type Trigger interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// Runner is the in-process analysis entry point (implemented by the worker).
type Runner interface {
	ProcessCall(ctx context.Context, callID uuid.UUID, force bool) error
}

// LocalTrigger runs the worker in a goroutine within this process. The
// goroutine gets a fresh background context: cancelling the submitter's
// request must not abort server-side work already accepted.
type LocalTrigger struct {
	runner Runner
}

func NewLocalTrigger(runner Runner) *LocalTrigger {
	return &LocalTrigger{runner: runner}
}

func (t *LocalTrigger) Dispatch(_ context.Context, req DispatchRequest) error {
	go func() {
		if err := t.runner.ProcessCall(context.Background(), req.CallID, req.ForceReanalyze); err != nil {
			slog.Error("local analysis run failed", "call_id", req.CallID, "error", err)
		}
	}()
	return nil
}

// HTTPTrigger posts the dispatch payload to an out-of-process worker
// function. Any 2xx is an accepted-dispatch ack.
type HTTPTrigger struct {
	url        string
	credential string
	client     *http.Client
}

func NewHTTPTrigger(url, credential string) *HTTPTrigger {
	return &HTTPTrigger{
		url:        url,
		credential: credential,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *HTTPTrigger) Dispatch(ctx context.Context, req DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", ErrDispatchFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDispatchFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.credential)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: worker returned %s", ErrDispatchFailed, resp.Status)
	}
	return nil
}

var _ Trigger = (*LocalTrigger)(nil)
var _ Trigger = (*HTTPTrigger)(nil)
