package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/callsight")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("AI_PROVIDER", "mock")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "local", cfg.Worker.Mode)
	assert.Equal(t, 15*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 10, cfg.Worker.AnalysesPerMinute)
	assert.Equal(t, 30*time.Second, cfg.Stall.ScanInterval)
	assert.Equal(t, 60*time.Second, cfg.Stall.JobThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Stall.CallThreshold)
	assert.Equal(t, 60*time.Second, cfg.AI.InferenceTimeout)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_InvalidProvider(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AI_PROVIDER", "skynet")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI_PROVIDER")
}

func TestLoad_AnthropicRequiresKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AI_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestLoad_HTTPWorkerRequiresURLAndCredential(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CALLSIGHT_WORKER_MODE", "http")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALLSIGHT_WORKER_URL")

	t.Setenv("CALLSIGHT_WORKER_URL", "https://worker.internal/analyze")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALLSIGHT_WORKER_CREDENTIAL")

	t.Setenv("CALLSIGHT_WORKER_CREDENTIAL", "secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Worker.Mode)
}

func TestLoad_StallThresholdOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CALLSIGHT_JOB_STALL_THRESHOLD", "2m")
	t.Setenv("CALLSIGHT_CALL_STALL_THRESHOLD", "10m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Stall.JobThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Stall.CallThreshold)
}

func TestLoad_InvalidWorkerMode(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CALLSIGHT_WORKER_MODE", "lambda")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALLSIGHT_WORKER_MODE")
}
