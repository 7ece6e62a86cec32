package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "session:"

// RedisCache stores live sessions as JSON values with a TTL. Expiry is
// handled by Redis itself, which is what bounds orphaned sessions when a
// gateway never delivers a session-end event.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Put(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+s.ID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, id string) (Session, error) {
	data, err := c.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	// Sliding TTL: any read counts as activity.
	_ = c.client.Expire(ctx, keyPrefix+id, c.ttl).Err()
	return s, nil
}

func (c *RedisCache) AppendTurn(ctx context.Context, id string, turn Turn, capacity int) (Session, error) {
	// Read-modify-write. The engine's per-session locks only cover one
	// process, so this assumes a gateway pins each session to a single
	// instance. Racing writers on two instances could drop a window
	// turn; the durable-store rebuild repairs that on the next miss.
	s, err := c.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	s.Turns = appendBounded(s.Turns, turn, capacity)
	if err := c.Put(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (c *RedisCache) Delete(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
