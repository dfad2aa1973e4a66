package user

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "courier:profile:"

// CachedStore serves GetByID from Redis and falls through to the wrapped
// Store on a miss. Cache failures degrade to the wrapped Store.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

// NewCachedStore wraps next with a Redis profile cache.
func NewCachedStore(next Store, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *CachedStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedStore{Store: next, rdb: rdb, ttl: ttl, log: log}
}

func (c *CachedStore) GetByID(ctx context.Context, id string) (*User, error) {
	key := cacheKeyPrefix + id

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var u User
		if err := json.Unmarshal(raw, &u); err == nil {
			return &u, nil
		}
		c.log.Warn("discarding corrupt profile cache entry", zap.String("user_id", id))
		if err := c.invalidate(ctx, id); err != nil {
			c.log.Warn("profile cache delete failed", zap.String("user_id", id), zap.Error(err))
		}
	case err != redis.Nil:
		c.log.Warn("profile cache read failed", zap.String("user_id", id), zap.Error(err))
	}

	u, err := c.Store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(u); err == nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			c.log.Warn("profile cache write failed", zap.String("user_id", id), zap.Error(err))
		}
	}
	return u, nil
}

func (c *CachedStore) invalidate(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, cacheKeyPrefix+id).Err()
}
