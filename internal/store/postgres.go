package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/callsight/callsight/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, role, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetDefaultAdmin(ctx context.Context) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, role, created_at, updated_at
		 FROM users WHERE role = 'admin' ORDER BY created_at LIMIT 1`,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default admin: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Email, user.Name, user.Role, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Calls ---

const callColumns = `id, owner_id, title, transcript, status, analysis_error, created_at, updated_at`

func scanCall(row pgx.Row) (*models.Call, error) {
	var c models.Call
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Transcript, &c.Status,
		&c.AnalysisError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateCall(ctx context.Context, call *models.Call) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO calls (id, owner_id, title, transcript, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		call.ID, call.OwnerID, call.Title, call.Transcript, call.Status,
		call.CreatedAt, call.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCall(ctx context.Context, id uuid.UUID) (*models.Call, error) {
	c, err := scanCall(s.pool.QueryRow(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCalls(ctx context.Context, filter CallFilter) ([]*models.Call, int, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.OwnerID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argIdx))
		args = append(args, filter.OwnerID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM calls WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count calls: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT `+callColumns+` FROM calls WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var calls []*models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, total, rows.Err()
}

func (s *PostgresStore) ClaimCallForAnalysis(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET status = 'processing', analysis_error = NULL, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'error')`, id)
	if err != nil {
		return fmt.Errorf("claim call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, id)
	}
	return nil
}

func (s *PostgresStore) TouchCallHeartbeat(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET updated_at = NOW() WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("touch call heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CompleteCallAnalysis(ctx context.Context, result *models.AnalysisResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete analysis: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO analysis_results (id, call_id, provider, model, summary, sentiment, talk_ratio, coaching_points, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		result.ID, result.CallID, result.Provider, result.Model, result.Summary,
		result.Sentiment, result.TalkRatio, result.CoachingPoints, result.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert analysis result: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE calls SET status = 'completed', analysis_error = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`, result.CallID)
	if err != nil {
		return fmt.Errorf("complete call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, result.CallID)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) FailCallAnalysis(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET status = 'error', analysis_error = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id, message)
	if err != nil {
		return fmt.Errorf("fail call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, id)
	}
	return nil
}

func (s *PostgresStore) ResetCallForReanalysis(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reanalysis reset: %w", err)
	}
	defer tx.Rollback(ctx)

	// The conditional update is what actually serializes concurrent
	// reanalyze calls; the result delete rides in the same transaction so a
	// stale result is never visible on a processing call.
	tag, err := tx.Exec(ctx,
		`UPDATE calls SET status = 'processing', analysis_error = NULL, updated_at = NOW()
		 WHERE id = $1 AND status <> 'processing'`, id)
	if err != nil {
		return fmt.Errorf("reset call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, id)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM analysis_results WHERE call_id = $1`, id); err != nil {
		return fmt.Errorf("clear analysis result: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListStalledCalls(ctx context.Context, olderThan time.Duration) ([]*models.Call, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE status IN ('pending', 'processing') AND updated_at < NOW() - make_interval(secs => $1)
		 ORDER BY updated_at`, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list stalled calls: %w", err)
	}
	defer rows.Close()

	var calls []*models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stalled call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (s *PostgresStore) CountCalls(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM calls`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return n, nil
}

// conflictOrNotFound disambiguates a zero-row conditional update.
func (s *PostgresStore) conflictOrNotFound(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM calls WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check call exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// --- Analysis Results ---

func (s *PostgresStore) GetAnalysisResultByCallID(ctx context.Context, callID uuid.UUID) (*models.AnalysisResult, error) {
	var r models.AnalysisResult
	err := s.pool.QueryRow(ctx,
		`SELECT id, call_id, provider, model, summary, sentiment, talk_ratio, coaching_points, created_at
		 FROM analysis_results WHERE call_id = $1`, callID,
	).Scan(&r.ID, &r.CallID, &r.Provider, &r.Model, &r.Summary, &r.Sentiment,
		&r.TalkRatio, &r.CoachingPoints, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis result by call: %w", err)
	}
	return &r, nil
}

// --- Jobs ---

const jobColumns = `id, job_type, status, processed, total, errors, current_batch, message, error, cursor, created_by, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.JobType, &j.Status, &j.Progress.Processed, &j.Progress.Total,
		&j.Progress.Errors, &j.Progress.CurrentBatch, &j.Progress.Message, &j.Error,
		&j.Cursor, &j.CreatedBy, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, job_type, status, processed, total, errors, current_batch, message, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.JobType, job.Status, job.Progress.Processed, job.Progress.Total,
		job.Progress.Errors, job.Progress.CurrentBatch, job.Progress.Message,
		job.CreatedBy, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) MarkJobProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'processing', started_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobConflictOrNotFound(ctx, id)
	}
	return nil
}

func (s *PostgresStore) FinishJob(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	if status != models.JobStatusCompleted && status != models.JobStatusFailed {
		return fmt.Errorf("invalid terminal job status %q", status)
	}

	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	query := `UPDATE jobs SET status = $2, completed_at = NOW(), updated_at = NOW()`
	args := []any{id, status}
	argIdx := 3

	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.Message != nil {
		query += fmt.Sprintf(", message = $%d", argIdx)
		args = append(args, *params.Message)
		argIdx++
	}

	query += ` WHERE id = $1 AND status = 'processing'`

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobConflictOrNotFound(ctx, id)
	}
	return nil
}

func (s *PostgresStore) CancelStalledJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled',
		        error = 'cancelled by stall detector: no heartbeat for over ' || $1::text,
		        completed_at = NOW(), updated_at = NOW()
		 WHERE status IN ('pending', 'processing') AND updated_at < NOW() - make_interval(secs => $2)`,
		olderThan.String(), olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cancel stalled jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) NextBackfillBatch(ctx context.Context, cursor *uuid.UUID, limit int) ([]*models.Call, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows pgx.Rows
	var err error
	if cursor == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+callColumns+` FROM calls ORDER BY id LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+callColumns+` FROM calls WHERE id > $1 ORDER BY id LIMIT $2`, *cursor, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("next backfill batch: %w", err)
	}
	defer rows.Close()

	var calls []*models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backfill call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (s *PostgresStore) AdvanceBackfill(ctx context.Context, jobID uuid.UUID, cursor uuid.UUID, processed, errored int, message string) error {
	if processed < 0 || errored < 0 {
		return fmt.Errorf("progress increments must be non-negative")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cursor = $2,
		        processed = processed + $3,
		        errors = errors + $4,
		        current_batch = current_batch + 1,
		        message = $5,
		        updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`,
		jobID, cursor, processed, errored, message)
	if err != nil {
		return fmt.Errorf("advance backfill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobConflictOrNotFound(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) jobConflictOrNotFound(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
