// Package room provides PostgreSQL-backed storage for chat rooms and their
// per-room moderation settings. Rooms are created lazily on first reference
// and never deleted; settings are one row per room, auto-created with safe
// defaults on first moderated access.
package room

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Default moderation settings applied when a room is first moderated.
const (
	DefaultMaxMessagesPerMinute = 10
)

// Room is a named channel grouping users and messages.
type Room struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic"`
	IsPrivate bool      `json:"is_private"`
	CreatedAt time.Time `json:"created_at"`
}

// Settings holds a room's moderation configuration.
type Settings struct {
	RoomID               int64
	Enabled              bool
	BlockedWords         string // newline-separated custom blocked words
	MaxMessagesPerMinute int
	EnableToxicityFilter bool
}

// BlockedWordsList splits the newline-separated blocked-words text into a
// cleaned list: trimmed, lowercased, empties dropped.
func (s Settings) BlockedWordsList() []string {
	var words []string
	for _, line := range strings.Split(s.BlockedWords, "\n") {
		word := strings.ToLower(strings.TrimSpace(line))
		if word != "" {
			words = append(words, word)
		}
	}
	return words
}

// Store manages rooms and moderation settings in PostgreSQL, with an optional
// Redis cache in front of room-by-name lookups.
type Store struct {
	db    *sql.DB
	cache *Cache
}

// NewStore creates a room store. cache may be nil, in which case every lookup
// goes to the database.
func NewStore(db *sql.DB, cache *Cache) *Store {
	return &Store{db: db, cache: cache}
}

// GetOrCreate returns the room with the given name, creating it if absent.
// Creation is race-safe: concurrent first joins insert with ON CONFLICT DO
// NOTHING and every caller reads back the single winning row.
func (s *Store) GetOrCreate(ctx context.Context, name string) (*Room, error) {
	if r, ok := s.cache.GetRoom(ctx, name); ok {
		return r, nil
	}

	const insert = `
		INSERT INTO chat_rooms (name, topic)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, name, "Chat for "+name); err != nil {
		return nil, fmt.Errorf("room: create %q: %w", name, err)
	}

	r, err := s.getByName(ctx, name)
	if err != nil {
		return nil, err
	}

	s.cache.SetRoom(ctx, r)
	return r, nil
}

// Get returns the room with the given name, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, name string) (*Room, error) {
	if r, ok := s.cache.GetRoom(ctx, name); ok {
		return r, nil
	}

	r, err := s.getByName(ctx, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.cache.SetRoom(ctx, r)
	return r, nil
}

func (s *Store) getByName(ctx context.Context, name string) (*Room, error) {
	const query = `
		SELECT id, name, topic, is_private, created_at
		FROM chat_rooms
		WHERE name = $1`

	var r Room
	err := s.db.QueryRowContext(ctx, query, name).
		Scan(&r.ID, &r.Name, &r.Topic, &r.IsPrivate, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("room: get %q: %w", name, err)
	}
	return &r, nil
}

// GetOrCreateSettings returns the room's moderation settings, creating the
// row with defaults (enabled, toxicity filter on, 10 messages/minute) if it
// does not exist yet. The insert uses ON CONFLICT DO NOTHING so concurrent
// first accesses never produce duplicate rows: the first writer wins and
// everyone else reads the winner's row.
func (s *Store) GetOrCreateSettings(ctx context.Context, roomID int64) (Settings, error) {
	const insert = `
		INSERT INTO moderation_settings
			(room_id, enabled, blocked_words, max_messages_per_minute, enable_toxicity_filter)
		VALUES ($1, TRUE, '', $2, TRUE)
		ON CONFLICT (room_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, roomID, DefaultMaxMessagesPerMinute); err != nil {
		return Settings{}, fmt.Errorf("room: create settings for room %d: %w", roomID, err)
	}

	const query = `
		SELECT room_id, enabled, blocked_words, max_messages_per_minute, enable_toxicity_filter
		FROM moderation_settings
		WHERE room_id = $1`

	var st Settings
	err := s.db.QueryRowContext(ctx, query, roomID).
		Scan(&st.RoomID, &st.Enabled, &st.BlockedWords, &st.MaxMessagesPerMinute, &st.EnableToxicityFilter)
	if err != nil {
		return Settings{}, fmt.Errorf("room: get settings for room %d: %w", roomID, err)
	}
	return st, nil
}

// UpdateSettings overwrites a room's moderation settings (admin path).
func (s *Store) UpdateSettings(ctx context.Context, st Settings) error {
	const query = `
		UPDATE moderation_settings
		SET enabled = $2,
		    blocked_words = $3,
		    max_messages_per_minute = $4,
		    enable_toxicity_filter = $5
		WHERE room_id = $1`

	res, err := s.db.ExecContext(ctx, query,
		st.RoomID, st.Enabled, st.BlockedWords, st.MaxMessagesPerMinute, st.EnableToxicityFilter)
	if err != nil {
		return fmt.Errorf("room: update settings for room %d: %w", st.RoomID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("room: no settings row for room %d", st.RoomID)
	}
	return nil
}
