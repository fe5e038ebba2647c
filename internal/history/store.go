// Package history persists chat messages and serves per-room message history.
// Messages are immutable once written and only ever written for content the
// moderation pipeline accepted; display order is creation time, descending.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// recentKeyPrefix is the Redis key prefix for cached recent-message lists.
	recentKeyPrefix = "recent:"

	// RecentCacheTTL bounds staleness of the cached history between writes.
	RecentCacheTTL = 60 * time.Second

	// DefaultHistoryLimit is how many messages Recent returns by default.
	DefaultHistoryLimit = 50
)

// Message is one persisted chat message.
type Message struct {
	ID               int64     `json:"id"`
	RoomID           int64     `json:"room_id"`
	Username         string    `json:"username"`
	Content          string    `json:"content"`
	IsModerated      bool      `json:"is_moderated"`
	IsBlocked        bool      `json:"is_blocked"`
	ModerationReason string    `json:"moderation_reason"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store persists messages in PostgreSQL with an optional Redis cache for the
// recent-message list. The cache is acceleration only; a miss or failure
// falls back to the database.
type Store struct {
	db  *sql.DB
	rdb *redis.Client
}

// NewStore creates a message store. rdb may be nil to disable caching.
func NewStore(db *sql.DB, rdb *redis.Client) *Store {
	return &Store{db: db, rdb: rdb}
}

// Create persists an accepted message, filling in its ID and CreatedAt, and
// invalidates the room's cached recent list. The caller must only pass
// content the moderation pipeline accepted.
func (s *Store) Create(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO chat_messages (room_id, username, content, is_moderated, is_blocked, moderation_reason)
		VALUES ($1, $2, $3, $4, FALSE, '')
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query, m.RoomID, m.Username, m.Content, m.IsModerated).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("history: create message in room %d: %w", m.RoomID, err)
	}

	s.invalidateRecent(ctx, m.RoomID)
	return nil
}

// Recent returns up to limit messages for the room, newest first. The cached
// list is used when present; on a miss the database is read and the cache
// repopulated.
func (s *Store) Recent(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	if msgs, ok := s.cachedRecent(ctx, roomID, limit); ok {
		return msgs, nil
	}

	const query = `
		SELECT id, room_id, username, content, is_moderated, is_blocked, moderation_reason, created_at
		FROM chat_messages
		WHERE room_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent for room %d: %w", roomID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Username, &m.Content,
			&m.IsModerated, &m.IsBlocked, &m.ModerationReason, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: recent rows: %w", err)
	}

	s.cacheRecent(ctx, roomID, limit, msgs)
	return msgs, nil
}

// CountSince returns how many messages a room received since the given time.
func (s *Store) CountSince(ctx context.Context, roomID int64, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM chat_messages
		WHERE room_id = $1 AND created_at >= $2`

	var count int
	if err := s.db.QueryRowContext(ctx, query, roomID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("history: count for room %d: %w", roomID, err)
	}
	return count, nil
}

func recentKey(roomID int64) string {
	return fmt.Sprintf("%s%d", recentKeyPrefix, roomID)
}

// recentEnvelope records the limit a cached list was fetched with, so a
// request for more messages than the cache holds falls through to the
// database instead of silently truncating history.
type recentEnvelope struct {
	Limit    int       `json:"limit"`
	Messages []Message `json:"messages"`
}

func (s *Store) cachedRecent(ctx context.Context, roomID int64, limit int) ([]Message, bool) {
	if s.rdb == nil {
		return nil, false
	}

	data, err := s.rdb.Get(ctx, recentKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.Printf("[history-cache] get room %d: %v (treating as miss)", roomID, err)
		return nil, false
	}

	var env recentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[history-cache] decode room %d: %v (treating as miss)", roomID, err)
		return nil, false
	}
	if env.Limit < limit {
		return nil, false
	}
	if len(env.Messages) > limit {
		env.Messages = env.Messages[:limit]
	}
	return env.Messages, true
}

func (s *Store) cacheRecent(ctx context.Context, roomID int64, limit int, msgs []Message) {
	if s.rdb == nil {
		return
	}

	data, err := json.Marshal(recentEnvelope{Limit: limit, Messages: msgs})
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, recentKey(roomID), data, RecentCacheTTL).Err(); err != nil {
		log.Printf("[history-cache] set room %d: %v", roomID, err)
	}
}

func (s *Store) invalidateRecent(ctx context.Context, roomID int64) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, recentKey(roomID)).Err(); err != nil {
		log.Printf("[history-cache] invalidate room %d: %v", roomID, err)
	}
}
