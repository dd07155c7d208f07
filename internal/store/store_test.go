package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/callsight/callsight/internal/store"
	"github.com/callsight/callsight/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("callsight_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// defaultAdminID returns the UUID of the seeded default admin user.
func defaultAdminID(t *testing.T, s store.Store) uuid.UUID {
	t.Helper()
	admin, err := s.GetDefaultAdmin(context.Background())
	require.NoError(t, err)
	return admin.ID
}

// createTestCall inserts a pending call owned by the default admin.
func createTestCall(t *testing.T, s store.Store, ownerID uuid.UUID) *models.Call {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	call := &models.Call{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Title:      "weekly 1:1",
		Transcript: "Coach: how did the demo go?\nRep: pretty well, I think.",
		Status:     models.CallStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateCall(context.Background(), call))
	return call
}

// backdateCall pushes a call's heartbeat into the past.
func backdateCall(t *testing.T, pool *pgxpool.Pool, id uuid.UUID, age time.Duration) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`UPDATE calls SET updated_at = NOW() - make_interval(secs => $2) WHERE id = $1`,
		id, age.Seconds())
	require.NoError(t, err)
}

// --- Users ---

func TestGetDefaultAdmin(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	admin, err := s.GetDefaultAdmin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, admin.Role)
	assert.NotEqual(t, uuid.Nil, admin.ID)
}

// --- API Keys ---

func TestAPIKey_CreateAndGetByPrefix(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	adminID := defaultAdminID(t, s)

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    adminID,
		Name:      "test-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "cs_abcde",
		CreatedAt: now,
		UpdatedAt: now,
	}

	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "cs_abcde")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, "test-key", keys[0].Name)
}

func TestAPIKey_RevokedKeyNotReturned(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	adminID := defaultAdminID(t, s)

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    adminID,
		Name:      "doomed",
		KeyHash:   "hash",
		KeyPrefix: "cs_gone1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, adminID))

	keys, err := s.GetAPIKeyByPrefix(ctx, "cs_gone1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Revoking someone else's key is a not-found, not a silent success.
	err = s.RevokeAPIKey(ctx, key.ID, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Call lifecycle ---

func TestCall_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	call := createTestCall(t, s, defaultAdminID(t, s))

	got, err := s.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, got.ID)
	assert.Equal(t, models.CallStatusPending, got.Status)
	assert.Equal(t, call.Transcript, got.Transcript)

	_, err = s.GetCall(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCall_ClaimIsExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	call := createTestCall(t, s, defaultAdminID(t, s))

	require.NoError(t, s.ClaimCallForAnalysis(ctx, call.ID))

	got, err := s.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusProcessing, got.Status)

	// Second claim loses: the call is already held.
	err = s.ClaimCallForAnalysis(ctx, call.ID)
	assert.ErrorIs(t, err, store.ErrConflict)

	// Claiming a missing call is not-found, not conflict.
	err = s.ClaimCallForAnalysis(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCall_ClaimRejectsCompleted(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	call := createTestCall(t, s, defaultAdminID(t, s))
	require.NoError(t, s.ClaimCallForAnalysis(ctx, call.ID))
	require.NoError(t, s.CompleteCallAnalysis(ctx, &models.AnalysisResult{
		ID:        uuid.New(),
		CallID:    call.ID,
		Provider:  "mock",
		Model:     "mock-v1",
		Summary:   "done",
		Sentiment: "neutral",
		CreatedAt: time.Now().UTC(),
	}))

	// A late duplicate trigger must not drag a completed call back into
	// processing; only ResetCallForReanalysis may do that.
	err := s.ClaimCallForAnalysis(ctx, call.ID)
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusCompleted, got.Status)
	_, err = s.GetAnalysisResultByCallID(ctx, call.ID)
	assert.NoError(t, err, "the result must survive the rejected claim")

	// An errored call stays claimable: that is the retry path.
	require.NoError(t, s.ResetCallForReanalysis(ctx, call.ID))
	require.NoError(t, s.FailCallAnalysis(ctx, call.ID, "provider unavailable"))
	assert.NoError(t, s.ClaimCallForAnalysis(ctx, call.ID))
}

func TestCall_CompleteAnalysis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	call := createTestCall(t, s, defaultAdminID(t, s))
	require.NoError(t, s.ClaimCallForAnalysis(ctx, call.ID))

	result := &models.AnalysisResult{
		ID:             uuid.New(),
		CallID:         call.ID,
		Provider:       "mock",
		Model:          "mock-v1",
		Summary:        "good discovery call",
		Sentiment:      "positive",
		TalkRatio:      0.42,
		CoachingPoints: []string{"slow down the pitch"},
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.CompleteCallAnalysis(ctx, result))

	got, err := s.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusCompleted, got.Status)
	assert.Nil(t, got.AnalysisError)

	stored, err := s.GetAnalysisResultByCallID(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Summary, stored.Summary)
	assert.Equal(t, []string{"slow down the pitch"}, stored.CoachingPoints)
	assert.InDelta(t, 0.42, stored.TalkRatio, 0.0001)
}

func TestCall_CompleteRequiresProcessing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	call := createTestCall(t, s, defaultAdminID(t, s))

	result := &models.AnalysisResult{
		ID:        uuid.New(),
		CallID:    call.ID,
		Provider:  "mock",
		Model:     "mock-v1",
		Summary:   "should not land",
		Sentiment: "neutral",
		CreatedAt: time.Now().UTC(),
	}
	// Call is still pending: completion must refuse so a result row never
	// appears on a non-completed call.
	err := s.CompleteCallAnalysis(ctx, result)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.GetAnalysisResultByCallID(ctx, call.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCall_FailAnalysis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	call := createTestCall(t, s, defaultAdminID(t, s))
	require.NoError(t, s.ClaimCallForAnalysis(ctx, call.ID))
	require.NoError(t, s.FailCallAnalysis(ctx, call.ID, "provider unavailable"))

	got, err := s.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusError, got.Status)
	require.NotNil(t, got.AnalysisError)
	assert.Equal(t, "provider unavailable", *got.AnalysisError)

	// Failing a terminal call is a conflict: the run already ended.
	err = s.FailCallAnalysis(ctx, call.ID, "second failure")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestCall_ResetForReanalysis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	call := createTestCall(t, s, defaultAdminID(t, s))
	require.NoError(t, s.ClaimCallForAnalysis(ctx, call.ID))
	require.NoError(t, s.CompleteCallAnalysis(ctx, &models.AnalysisResult{
		ID: uuid.New(), CallID: call.ID, Provider: "mock", Model: "mock-v1",
		Summary: "v1", Sentiment: "neutral", CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.ResetCallForReanalysis(ctx, call.ID))

	got, err := s.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusProcessing, got.Status)
	assert.Nil(t, got.AnalysisError)

	// Prior result is gone, atomically with the status change.
	_, err = s.GetAnalysisResultByCallID(ctx, call.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A second reset races an active run and loses.
	err = s.ResetCallForReanalysis(ctx, call.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestCall_HeartbeatAndStalledList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	adminID := defaultAdminID(t, s)

	stalled := createTestCall(t, s, adminID)
	require.NoError(t, s.ClaimCallForAnalysis(ctx, stalled.ID))
	backdateCall(t, pool, stalled.ID, 90*time.Second)

	fresh := createTestCall(t, s, adminID)
	require.NoError(t, s.ClaimCallForAnalysis(ctx, fresh.ID))

	// 60s threshold catches the backdated call only.
	calls, err := s.ListStalledCalls(ctx, 60*time.Second)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, stalled.ID, calls[0].ID)

	// 5m threshold catches nothing yet.
	calls, err = s.ListStalledCalls(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, calls)

	// A heartbeat touch rescues the stalled call.
	require.NoError(t, s.TouchCallHeartbeat(ctx, stalled.ID))
	calls, err = s.ListStalledCalls(ctx, 60*time.Second)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestCall_TerminalCallsNeverStalled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	call := createTestCall(t, s, defaultAdminID(t, s))
	require.NoError(t, s.ClaimCallForAnalysis(ctx, call.ID))
	require.NoError(t, s.FailCallAnalysis(ctx, call.ID, "boom"))
	backdateCall(t, pool, call.ID, time.Hour)

	calls, err := s.ListStalledCalls(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

// --- Jobs ---

func createBackfillJob(t *testing.T, s store.Store, createdBy uuid.UUID, total int) *models.Job {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	job := &models.Job{
		ID:        uuid.New(),
		JobType:   models.JobTypeBackfill,
		Status:    models.JobStatusPending,
		Progress:  models.JobProgress{Total: total},
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestJob_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := createBackfillJob(t, s, defaultAdminID(t, s), 10)

	require.NoError(t, s.MarkJobProcessing(ctx, job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.NotNil(t, got.StartedAt)

	// pending -> processing is one-shot.
	err = s.MarkJobProcessing(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.FinishJob(ctx, job.ID, models.JobStatusCompleted,
		store.WithProgressMessage("done")))

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "done", got.Progress.Message)

	// Terminal is terminal.
	err = s.FinishJob(ctx, job.ID, models.JobStatusFailed)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestJob_FinishRejectsNonTerminalStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := createBackfillJob(t, s, defaultAdminID(t, s), 0)
	require.NoError(t, s.MarkJobProcessing(ctx, job.ID))

	err := s.FinishJob(ctx, job.ID, models.JobStatusPending)
	assert.Error(t, err)
}

func TestJob_CancelStalled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	adminID := defaultAdminID(t, s)

	stalledJob := createBackfillJob(t, s, adminID, 10)
	require.NoError(t, s.MarkJobProcessing(ctx, stalledJob.ID))
	_, err := pool.Exec(ctx,
		`UPDATE jobs SET updated_at = NOW() - make_interval(secs => 90) WHERE id = $1`, stalledJob.ID)
	require.NoError(t, err)

	freshJob := createBackfillJob(t, s, adminID, 10)
	require.NoError(t, s.MarkJobProcessing(ctx, freshJob.ID))

	finishedJob := createBackfillJob(t, s, adminID, 10)
	require.NoError(t, s.MarkJobProcessing(ctx, finishedJob.ID))
	require.NoError(t, s.FinishJob(ctx, finishedJob.ID, models.JobStatusCompleted))
	_, err = pool.Exec(ctx,
		`UPDATE jobs SET updated_at = NOW() - make_interval(secs => 90) WHERE id = $1`, finishedJob.ID)
	require.NoError(t, err)

	cancelled, err := s.CancelStalledJobs(ctx, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)

	got, err := s.GetJob(ctx, stalledJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	require.NotNil(t, got.Error)
	assert.NotEmpty(t, *got.Error)

	// The fresh job and the already-finished job are untouched.
	got, err = s.GetJob(ctx, freshJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)

	got, err = s.GetJob(ctx, finishedJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

// --- Backfill cursor ---

func TestBackfill_CursorBatches(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	adminID := defaultAdminID(t, s)

	for i := 0; i < 5; i++ {
		createTestCall(t, s, adminID)
	}

	job := createBackfillJob(t, s, adminID, 5)
	require.NoError(t, s.MarkJobProcessing(ctx, job.ID))

	batch1, err := s.NextBackfillBatch(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, batch1, 2)
	assert.True(t, batch1[0].ID.String() < batch1[1].ID.String(), "batches are id-ordered")

	cursor := batch1[len(batch1)-1].ID
	require.NoError(t, s.AdvanceBackfill(ctx, job.ID, cursor, 2, 1, "step 1"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Progress.Processed)
	assert.Equal(t, 1, got.Progress.Errors)
	assert.Equal(t, 1, got.Progress.CurrentBatch)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, cursor, *got.Cursor)

	// The next batch starts strictly after the cursor: no overlap.
	batch2, err := s.NextBackfillBatch(ctx, got.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, batch2, 2)
	for _, c := range batch2 {
		assert.True(t, cursor.String() < c.ID.String())
	}

	cursor = batch2[len(batch2)-1].ID
	require.NoError(t, s.AdvanceBackfill(ctx, job.ID, cursor, 2, 0, "step 2"))

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Progress.Processed)
	assert.Equal(t, 1, got.Progress.Errors)
	assert.Equal(t, 2, got.Progress.CurrentBatch)

	// Final partial batch, then exhaustion.
	batch3, err := s.NextBackfillBatch(ctx, got.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, batch3, 1)

	batch4, err := s.NextBackfillBatch(ctx, &batch3[0].ID, 2)
	require.NoError(t, err)
	assert.Empty(t, batch4)
}

func TestBackfill_AdvanceRequiresProcessing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := createBackfillJob(t, s, defaultAdminID(t, s), 5)

	// Still pending: an advance must not record progress.
	err := s.AdvanceBackfill(ctx, job.ID, uuid.New(), 2, 0, "too early")
	assert.ErrorIs(t, err, store.ErrConflict)
}
