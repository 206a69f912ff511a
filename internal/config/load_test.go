package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests here use t.Setenv, so none of them run in parallel.

func TestLoad_DefaultsWithDatabaseURL(t *testing.T) {
	t.Setenv("WANDERPLAN_DATABASE_URL", "postgres://localhost:5432/wanderplan_test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "postgres://localhost:5432/wanderplan_test", cfg.Database.URL)

	assert.Equal(t, 10, cfg.Tasks.WorkerCount)
	assert.Equal(t, 100, cfg.Tasks.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.Tasks.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Tasks.SweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.Tasks.StaleAfter)
	assert.Equal(t, 30*time.Minute, cfg.Tasks.ZombieAfter)
	assert.Equal(t, 5*time.Minute, cfg.Tasks.CleanupInterval)
	assert.Equal(t, 24*time.Hour, cfg.Tasks.Retention)
	assert.Equal(t, 30*time.Second, cfg.Tasks.ShutdownGrace)

	assert.Equal(t, 24*time.Hour, cfg.Idempotency.DefaultTTL)
	assert.Equal(t, time.Hour, cfg.Idempotency.SweepInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WANDERPLAN_DATABASE_URL", "postgres://localhost:5432/wanderplan_test")
	t.Setenv("WANDERPLAN_SERVER_PORT", "9090")
	t.Setenv("WANDERPLAN_SERVER_LOG_LEVEL", "debug")
	t.Setenv("WANDERPLAN_TASKS_WORKER_COUNT", "25")
	t.Setenv("WANDERPLAN_TASKS_POLL_INTERVAL", "250ms")
	t.Setenv("WANDERPLAN_IDEMPOTENCY_DEFAULT_TTL", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 25, cfg.Tasks.WorkerCount)
	assert.Equal(t, 250*time.Millisecond, cfg.Tasks.PollInterval)
	assert.Equal(t, time.Hour, cfg.Idempotency.DefaultTTL)
}

func TestLoad_ValidationFailures(t *testing.T) {
	t.Run("missing database URL", func(t *testing.T) {
		t.Setenv("WANDERPLAN_DATABASE_URL", "")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "validation")
	})

	t.Run("invalid log level", func(t *testing.T) {
		t.Setenv("WANDERPLAN_DATABASE_URL", "postgres://localhost:5432/wanderplan_test")
		t.Setenv("WANDERPLAN_SERVER_LOG_LEVEL", "verbose")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("worker count out of range", func(t *testing.T) {
		t.Setenv("WANDERPLAN_DATABASE_URL", "postgres://localhost:5432/wanderplan_test")
		t.Setenv("WANDERPLAN_TASKS_WORKER_COUNT", "1000")

		_, err := Load()
		assert.Error(t, err)
	})
}
