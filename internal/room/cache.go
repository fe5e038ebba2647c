package room

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// roomKeyPrefix is the Redis key prefix for cached room objects.
	roomKeyPrefix = "room:"

	// RoomCacheTTL bounds how stale a cached room object can get. Rooms are
	// never deleted, so a longer TTL would also be safe.
	RoomCacheTTL = 5 * time.Minute
)

// Cache is a Redis-backed read-through cache for room objects keyed by name.
// It is an acceleration only: every value is reconstructible from PostgreSQL,
// and all cache failures degrade to a miss with a logged warning.
type Cache struct {
	rdb *redis.Client
}

// NewCache creates a room cache on the given Redis client.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// GetRoom returns the cached room for name, or (nil, false) on a miss or any
// cache failure. Safe to call on a nil Cache.
func (c *Cache) GetRoom(ctx context.Context, name string) (*Room, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}

	data, err := c.rdb.Get(ctx, roomKeyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.Printf("[room-cache] get %q: %v (treating as miss)", name, err)
		return nil, false
	}

	var r Room
	if err := json.Unmarshal(data, &r); err != nil {
		log.Printf("[room-cache] decode %q: %v (treating as miss)", name, err)
		return nil, false
	}
	return &r, true
}

// SetRoom stores a room object under its name. Failures are logged and
// ignored. Safe to call on a nil Cache.
func (c *Cache) SetRoom(ctx context.Context, r *Room) {
	if c == nil || c.rdb == nil || r == nil {
		return
	}

	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, roomKeyPrefix+r.Name, data, RoomCacheTTL).Err(); err != nil {
		log.Printf("[room-cache] set %q: %v", r.Name, err)
	}
}

// Delete drops the cached entry for a room name.
func (c *Cache) Delete(ctx context.Context, name string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, roomKeyPrefix+name).Err(); err != nil {
		log.Printf("[room-cache] delete %q: %v", name, err)
	}
}
