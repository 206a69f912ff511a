// Package testdb provides helpers for database integration tests. Tests
// using it are gated on a database URL environment variable and skip
// cleanly when none is set, so the default `go test` run stays
// hermetic.
package testdb

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/wanderplan/wanderplan-api/migrations"
)

// envVars are the environment variables checked, in order, for the test
// database URL.
var envVars = []string{"WANDERPLAN_TEST_DB_URL", "DATABASE_URL"}

// URL returns the configured test database URL, or "" when integration
// tests cannot run.
func URL() string {
	for _, name := range envVars {
		if url := os.Getenv(name); url != "" {
			return url
		}
	}
	return ""
}

// Connect opens a connection to the test database with the schema fully
// migrated, skipping the test when no database URL is configured. The
// connection is closed when the test finishes.
func Connect(t *testing.T) *sql.DB {
	t.Helper()

	url := URL()
	if url == "" {
		t.Skip("skipping: WANDERPLAN_TEST_DB_URL / DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("failed to ping test database: %v", err)
	}

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("failed to set goose dialect: %v", err)
	}
	if err := goose.Up(db, "."); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

// Truncate empties the given tables so a test starts from a known state.
func Truncate(t *testing.T, db *sql.DB, tables ...string) {
	t.Helper()
	for _, table := range tables {
		if _, err := db.Exec("TRUNCATE TABLE " + table + " CASCADE"); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}

// WithTx runs the test body inside a transaction that is always rolled
// back, isolating it from other tests sharing the database.
func WithTx(t *testing.T, db *sql.DB, fn func(tx *sql.Tx)) {
	t.Helper()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			t.Errorf("failed to roll back transaction: %v", err)
		}
	}()

	fn(tx)
}
