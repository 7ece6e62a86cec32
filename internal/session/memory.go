package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	session        Session
	lastActivityAt time.Time
}

// MemoryCache is an in-process session cache for local/dev use. A janitor
// goroutine expires entries past the TTL, matching the autonomous expiry the
// Redis implementation gets for free.
type MemoryCache struct {
	mu       sync.RWMutex
	entries  map[string]*memoryEntry
	ttl      time.Duration
	onExpire func(Session)
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &MemoryCache{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
	}
}

// SetExpireHook registers a callback invoked for each expired session.
func (c *MemoryCache) SetExpireHook(hook func(Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = hook
}

func (c *MemoryCache) Put(_ context.Context, s Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.ID] = &memoryEntry{session: cloneSession(s), lastActivityAt: time.Now().UTC()}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, id string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if time.Since(e.lastActivityAt) >= c.ttl {
		delete(c.entries, id)
		return Session{}, ErrNotFound
	}
	e.lastActivityAt = time.Now().UTC()
	return cloneSession(e.session), nil
}

func (c *MemoryCache) AppendTurn(_ context.Context, id string, turn Turn, capacity int) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if time.Since(e.lastActivityAt) >= c.ttl {
		delete(c.entries, id)
		return Session{}, ErrNotFound
	}
	e.session.Turns = appendBounded(e.session.Turns, turn, capacity)
	e.lastActivityAt = time.Now().UTC()
	return cloneSession(e.session), nil
}

func (c *MemoryCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// StartJanitor periodically drops expired entries so abandoned sessions do
// not accumulate between reads.
func (c *MemoryCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.expireInactive()
			}
		}
	}()
}

func (c *MemoryCache) expireInactive() {
	now := time.Now().UTC()
	var expired []Session

	c.mu.Lock()
	for id, e := range c.entries {
		if now.Sub(e.lastActivityAt) < c.ttl {
			continue
		}
		expired = append(expired, cloneSession(e.session))
		delete(c.entries, id)
	}
	hook := c.onExpire
	c.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func cloneSession(s Session) Session {
	out := s
	if s.Turns != nil {
		out.Turns = make([]Turn, len(s.Turns))
		copy(out.Turns, s.Turns)
	}
	return out
}
