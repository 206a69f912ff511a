package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"      validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database"    validate:"required"`
	Tasks       TaskConfig        `mapstructure:"tasks"       validate:"required"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency" validate:"required"`
}

// ServerConfig contains the operational surface settings (health and
// metrics endpoints) and logging.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// TaskConfig tunes the agent task engine. Everything here is an
// operational knob, not business logic.
type TaskConfig struct {
	// WorkerCount bounds how many tasks execute concurrently.
	WorkerCount int `mapstructure:"worker_count" validate:"required,gt=0,lte=100"`

	// QueueSize is the dispatch channel buffer between the dispatcher
	// and the worker pool.
	QueueSize int `mapstructure:"queue_size" validate:"required,gt=0"`

	// PollInterval drives the fallback dispatcher that queries the store
	// for due pending tasks when no change notification arrives.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required"`

	// SweepInterval drives the lifecycle monitor's timeout/stale/zombie
	// scans.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required"`

	// StaleAfter is how long a running task may go without an update
	// before it is logged as stale.
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"required"`

	// ZombieAfter is how long a task may stay running before it is
	// presumed orphaned and reset to pending.
	ZombieAfter time.Duration `mapstructure:"zombie_after" validate:"required"`

	// CleanupInterval drives retention cleanup of terminal tasks.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"required"`

	// Retention is how long completed and cancelled tasks are kept.
	Retention time.Duration `mapstructure:"retention" validate:"required"`

	// ShutdownGrace bounds how long Stop waits for in-flight tasks.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" validate:"required"`
}

// IdempotencyConfig tunes the idempotency ledger.
type IdempotencyConfig struct {
	// DefaultTTL is applied to records stored without an explicit TTL.
	DefaultTTL time.Duration `mapstructure:"default_ttl" validate:"required"`

	// SweepInterval drives the periodic deletion of expired records.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required"`
}
