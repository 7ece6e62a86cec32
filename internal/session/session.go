package session

import (
	"context"
	"errors"
	"time"

	"github.com/echodiary/echodiary/internal/modes"
	"github.com/echodiary/echodiary/internal/store"
)

var ErrNotFound = errors.New("session not found")

// Turn is one window entry: just enough to rebuild prompt context quickly.
type Turn struct {
	Speaker store.Speaker `json:"speaker"`
	Text    string        `json:"text"`
	At      time.Time     `json:"at"`
}

// Session is the live working set for an active call. The turn window is a
// bounded, lossy cache; the durable turn store remains the source of truth.
type Session struct {
	ID        string     `json:"session_id"`
	CallID    string     `json:"call_id"`
	UserID    string     `json:"user_id"`
	Mode      modes.Mode `json:"mode"`
	Turns     []Turn     `json:"turns"`
	StartedAt time.Time  `json:"started_at"`
}

// Cache stores live sessions with a time-to-live. Every read and write
// refreshes the TTL; an entry with no activity for longer than the TTL
// ceases to be retrievable.
type Cache interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// AppendTurn adds a turn to the session window, evicting the oldest
	// entry once capacity is exceeded, and returns the updated session.
	AppendTurn(ctx context.Context, id string, turn Turn, capacity int) (Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

func appendBounded(turns []Turn, t Turn, capacity int) []Turn {
	turns = append(turns, t)
	if capacity > 0 && len(turns) > capacity {
		turns = turns[len(turns)-capacity:]
	}
	return turns
}
