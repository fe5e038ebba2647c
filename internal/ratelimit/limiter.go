// Package ratelimit implements a sliding-window message rate limiter over an
// append-only event log in PostgreSQL. Each accepted send appends one
// (username, room, timestamp) row; the window check counts rows in the
// trailing 60 seconds. A periodic purge deletes rows older than twice the
// window width, keeping the table small without touching the hot path.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	// Window is the sliding rate-limit window.
	Window = time.Minute

	// Retention is how long rate events are kept before the purge removes
	// them: double the window width, to tolerate clock and processing skew.
	Retention = 2 * time.Minute
)

// Limiter counts and records per-(user, room) message events.
type Limiter struct {
	db *sql.DB
}

// NewLimiter creates a limiter on the given database handle.
func NewLimiter(db *sql.DB) *Limiter {
	return &Limiter{db: db}
}

// Exceeded reports whether the user has already sent capPerMinute or more
// messages in this room within the trailing window. The comparison is
// inclusive: once the cap is reached, the next message is blocked.
func (l *Limiter) Exceeded(ctx context.Context, username string, roomID int64, capPerMinute int) (bool, error) {
	const query = `
		SELECT COUNT(*)
		FROM user_message_rates
		WHERE username = $1
		  AND room_id = $2
		  AND ts >= $3`

	var count int
	err := l.db.QueryRowContext(ctx, query, username, roomID, time.Now().Add(-Window)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("ratelimit: count for %q room %d: %w", username, roomID, err)
	}
	return count >= capPerMinute, nil
}

// Record appends one rate event for an accepted message. Appends are
// monotonic; no ordering is required across sessions beyond each session
// recording after its own window check.
func (l *Limiter) Record(ctx context.Context, username string, roomID int64) error {
	const query = `
		INSERT INTO user_message_rates (username, room_id, ts)
		VALUES ($1, $2, NOW())`

	if _, err := l.db.ExecContext(ctx, query, username, roomID); err != nil {
		return fmt.Errorf("ratelimit: record for %q room %d: %w", username, roomID, err)
	}
	return nil
}

// Purge deletes rate events older than the retention horizon and returns the
// number of rows removed. Maintenance only; never part of the send path.
func (l *Limiter) Purge(ctx context.Context) (int64, error) {
	const query = `DELETE FROM user_message_rates WHERE ts < $1`

	res, err := l.db.ExecContext(ctx, query, time.Now().Add(-Retention))
	if err != nil {
		return 0, fmt.Errorf("ratelimit: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
