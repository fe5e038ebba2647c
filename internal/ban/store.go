// Package ban manages user ban records in PostgreSQL. A ban is either global
// (room_name NULL) or scoped to one room, and is in effect while is_active is
// true and it is permanent or not yet expired. Expired temporary bans are
// deactivated lazily on inspection, so staleness is bounded by query
// frequency rather than a separate scheduler.
package ban

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultTempBanDuration is applied when a temporary ban is created without
// an explicit expiry.
const DefaultTempBanDuration = 7 * 24 * time.Hour

// Ban is a single ban record.
type Ban struct {
	ID          int64
	Username    string
	RoomName    string // empty means global
	Moderator   string // empty when applied by automated policy
	Reason      string
	IsPermanent bool
	IsActive    bool
	CreatedAt   time.Time
	ExpiresAt   *time.Time // nil for permanent or open-ended bans
}

// Store manages ban records.
type Store struct {
	db *sql.DB
}

// NewStore creates a ban store on the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// IsBanned reports whether the user has an in-effect ban covering the given
// room. Both room-scoped and global bans match; roomName may be empty to
// check global bans only. Before querying, any of the user's expired
// temporary bans are flipped inactive, so an expired ban is reported as
// not-in-effect on the very check that observes its expiry.
//
// Callers are expected to fail open on error: a storage outage must not turn
// into a room-wide block.
func (s *Store) IsBanned(ctx context.Context, username, roomName string) (bool, string, error) {
	if err := s.deactivateExpired(ctx, username); err != nil {
		return false, "", err
	}

	const query = `
		SELECT reason, is_permanent, expires_at
		FROM user_bans
		WHERE username = $1
		  AND is_active = TRUE
		  AND (room_name IS NULL OR room_name = $2)
		ORDER BY is_permanent DESC, created_at DESC
		LIMIT 1`

	var (
		reason      string
		isPermanent bool
		expiresAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, username, roomName).
		Scan(&reason, &isPermanent, &expiresAt)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("ban: lookup %q: %w", username, err)
	}

	switch {
	case isPermanent:
		return true, fmt.Sprintf("You are permanently banned. Reason: %s", reason), nil
	case expiresAt.Valid:
		return true, fmt.Sprintf("You are banned until %s. Reason: %s",
			expiresAt.Time.Format("02.01.2006 15:04"), reason), nil
	default:
		return true, fmt.Sprintf("You are banned. Reason: %s", reason), nil
	}
}

// Create inserts a ban record and returns its ID. A temporary ban without an
// expiry defaults to 7 days out. Permanent bans ignore ExpiresAt entirely.
func (s *Store) Create(ctx context.Context, b Ban) (int64, error) {
	var expiresAt *time.Time
	if !b.IsPermanent {
		if b.ExpiresAt != nil {
			expiresAt = b.ExpiresAt
		} else {
			t := time.Now().Add(DefaultTempBanDuration)
			expiresAt = &t
		}
	}

	var roomName, moderator sql.NullString
	if b.RoomName != "" {
		roomName = sql.NullString{String: b.RoomName, Valid: true}
	}
	if b.Moderator != "" {
		moderator = sql.NullString{String: b.Moderator, Valid: true}
	}

	const query = `
		INSERT INTO user_bans (username, room_name, moderator, reason, is_permanent, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		b.Username, roomName, moderator, b.Reason, b.IsPermanent, expiresAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ban: create for %q: %w", b.Username, err)
	}
	return id, nil
}

// Lift deactivates a ban explicitly (moderator unban).
func (s *Store) Lift(ctx context.Context, id int64) error {
	const query = `UPDATE user_bans SET is_active = FALSE WHERE id = $1 AND is_active = TRUE`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("ban: lift %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ban: no active ban with id %d", id)
	}
	return nil
}

// SweepExpired deactivates every expired temporary ban and returns how many
// rows were flipped. Used by the maintenance command and the server's
// background ticker.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	const query = `
		UPDATE user_bans
		SET is_active = FALSE
		WHERE is_active = TRUE
		  AND is_permanent = FALSE
		  AND expires_at IS NOT NULL
		  AND expires_at < NOW()`

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("ban: sweep expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// deactivateExpired is the per-user opportunistic sweep run before lookups.
func (s *Store) deactivateExpired(ctx context.Context, username string) error {
	const query = `
		UPDATE user_bans
		SET is_active = FALSE
		WHERE username = $1
		  AND is_active = TRUE
		  AND is_permanent = FALSE
		  AND expires_at IS NOT NULL
		  AND expires_at < NOW()`

	if _, err := s.db.ExecContext(ctx, query, username); err != nil {
		return fmt.Errorf("ban: deactivate expired for %q: %w", username, err)
	}
	return nil
}

// ActiveBans returns the user's active ban records, newest first. Intended
// for moderator tooling; the hot path uses IsBanned.
func (s *Store) ActiveBans(ctx context.Context, username string) ([]Ban, error) {
	const query = `
		SELECT id, username, COALESCE(room_name, ''), COALESCE(moderator, ''),
		       reason, is_permanent, is_active, created_at, expires_at
		FROM user_bans
		WHERE username = $1 AND is_active = TRUE
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("ban: list for %q: %w", username, err)
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var (
			b         Ban
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.Username, &b.RoomName, &b.Moderator,
			&b.Reason, &b.IsPermanent, &b.IsActive, &b.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("ban: scan: %w", err)
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			b.ExpiresAt = &t
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}
