package session

import (
	"context"
	"strings"
	"time"
)

// NewCache creates a redis-backed cache when configured, otherwise in-memory.
func NewCache(ctx context.Context, redisURL string, ttl time.Duration) (Cache, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewMemoryCache(ttl), nil
	}
	return NewRedisCache(ctx, redisURL, ttl)
}
