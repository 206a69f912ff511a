package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// taskPendingChannel is the NOTIFY channel the tasks table trigger
// publishes newly pending task IDs on.
const taskPendingChannel = "task_pending"

// Listener subscribes to the task_pending Postgres channel and delivers
// task IDs to the dispatcher. It owns a dedicated native pgx connection;
// LISTEN does not work through a database/sql pool because notifications
// arrive on a specific session.
type Listener struct {
	connString     string
	reconnectDelay time.Duration
	logger         *slog.Logger
	notifications  chan string
}

// NewListener creates a listener for the given connection string.
func NewListener(connString string, logger *slog.Logger) *Listener {
	return &Listener{
		connString:     connString,
		reconnectDelay: 5 * time.Second,
		logger:         logger.With("component", "task_listener"),
		notifications:  make(chan string, 64),
	}
}

// Notifications returns the channel task IDs are delivered on. The
// channel is closed when Run returns.
func (l *Listener) Notifications() <-chan string {
	return l.notifications
}

// Run connects, listens, and delivers notifications until the context is
// cancelled. Connection failures are retried with a fixed delay; the
// dispatcher's polling fallback covers the gaps.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.notifications)

	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("listener connection lost, reconnecting",
				"error", err,
				"delay", l.reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.reconnectDelay):
		}
	}
}

// listen holds one LISTEN session until it fails or the context ends.
func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+taskPendingChannel); err != nil {
		return fmt.Errorf("failed to LISTEN on %s: %w", taskPendingChannel, err)
	}

	l.logger.Info("listening for pending task notifications")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed waiting for notification: %w", err)
		}

		select {
		case l.notifications <- notification.Payload:
		default:
			// The dispatcher is behind; dropping is safe because the
			// polling fallback will pick the task up.
			l.logger.Warn("notification buffer full, dropping",
				"task_id", notification.Payload)
		}
	}
}
