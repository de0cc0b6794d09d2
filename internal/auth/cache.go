package auth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionCache maps session tokens to user ids in Redis. It is an
// acceleration layer only: every answer it gives is re-checked against the
// user row, and any Redis failure degrades to a cache miss. A nil
// *SessionCache is valid and always misses.
type SessionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewSessionCache constructs a SessionCache.
func NewSessionCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *SessionCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionCache{client: client, ttl: ttl, logger: logger}
}

func sessionKey(token string) string {
	return "session:" + token
}

// Put records a token to user id mapping.
func (c *SessionCache) Put(ctx context.Context, token string, userID int64) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, sessionKey(token), userID, c.ttl).Err(); err != nil {
		c.logger.Warn("session cache set", slog.Any("error", err))
	}
}

// Get looks up the user id for a token. The second return is false on miss
// or on any Redis failure.
func (c *SessionCache) Get(ctx context.Context, token string) (int64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, sessionKey(token)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("session cache get", slog.Any("error", err))
		}
		return 0, false
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Invalidate drops the cache entry for a token.
func (c *SessionCache) Invalidate(ctx context.Context, token string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, sessionKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("session cache del", slog.Any("error", err))
	}
}
