// Package client is the Go client for the CallSight API. Beyond plain
// request wrappers it implements the two client-side protocols the server
// expects: status watching with push plus poll fallback (WatchCall), and the
// batch backfill driver loop (BatchDriver).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/callsight/callsight/pkg/models"
)

// Sentinel errors mapped from API error codes.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrServer       = errors.New("server error")
)

// Call is the client-side view of a call, including the analysis result when
// completed.
type Call struct {
	ID            uuid.UUID              `json:"id"`
	OwnerID       uuid.UUID              `json:"owner_id"`
	Title         string                 `json:"title"`
	Status        string                 `json:"status"`
	AnalysisError *string                `json:"analysis_error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Result        *models.AnalysisResult `json:"result,omitempty"`
}

// Terminal reports whether the call has finished its current run.
func (c *Call) Terminal() bool {
	return c.Status == models.CallStatusCompleted || c.Status == models.CallStatusError
}

// StepResult is one backfill step's outcome.
type StepResult struct {
	Processed int  `json:"processed"`
	Remaining int  `json:"remaining"`
	Total     int  `json:"total"`
	Errors    int  `json:"errors"`
	Complete  bool `json:"complete"`
}

// Job is the client-side view of a background job.
type Job struct {
	ID       uuid.UUID          `json:"id"`
	JobType  string             `json:"job_type"`
	Status   string             `json:"status"`
	Progress models.JobProgress `json:"progress"`
	Error    *string            `json:"error,omitempty"`
}

// Client talks to a CallSight server.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a client for the given server. The API key is sent as a Bearer
// token on every request.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitCall uploads a transcript for analysis and returns the accepted call.
func (c *Client) SubmitCall(ctx context.Context, title, transcript string) (*Call, error) {
	body := map[string]string{"title": title, "transcript": transcript}
	var call Call
	if err := c.do(ctx, http.MethodPost, "/api/v1/calls", body, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall fetches current call state; the poll path of status watching.
func (c *Client) GetCall(ctx context.Context, id uuid.UUID) (*Call, error) {
	var call Call
	if err := c.do(ctx, http.MethodGet, "/api/v1/calls/"+id.String(), nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// Retry re-dispatches analysis for a call that is not currently running.
func (c *Client) Retry(ctx context.Context, id uuid.UUID) (*Call, error) {
	var call Call
	if err := c.do(ctx, http.MethodPost, "/api/v1/calls/"+id.String()+"/retry", nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// Reanalyze discards the previous result and reruns analysis.
func (c *Client) Reanalyze(ctx context.Context, id uuid.UUID) (*Call, error) {
	var call Call
	if err := c.do(ctx, http.MethodPost, "/api/v1/calls/"+id.String()+"/reanalyze", nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// StartBackfill creates a backfill job (admin only).
func (c *Client) StartBackfill(ctx context.Context) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/admin/backfill", struct{}{}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// BackfillStep runs one batch of the backfill job (admin only).
func (c *Client) BackfillStep(ctx context.Context, jobID uuid.UUID, batchSize int, reanalyze bool) (*StepResult, error) {
	body := map[string]any{"batch_size": batchSize, "reanalyze": reanalyze}
	var step StepResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/admin/backfill/"+jobID.String()+"/step", body, &step); err != nil {
		return nil, err
	}
	return &step, nil
}

// GetJob fetches job state (admin only).
func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/admin/jobs/"+id.String(), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyStatus(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

func classifyStatus(resp *http.Response) error {
	var apiErr apiError
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrServer, resp.StatusCode, msg)
	}
}
