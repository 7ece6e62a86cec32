package lifecycle

import (
	"sync"
	"time"
)

const (
	EventSessionStarted    = "session_started"
	EventTurnRecorded      = "turn_recorded"
	EventSessionFinalized  = "session_finalized"
	EventSessionExpired    = "session_expired"
	EventPipelineStage     = "pipeline_stage"
	EventCheckinScheduled  = "checkin_scheduled"
	EventCheckinDispatched = "checkin_dispatched"
)

// Event is a lifecycle notification fanned out to live subscribers
// (the dashboard websocket feed).
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Bus fans lifecycle events out to subscribers. Delivery is best effort:
// a subscriber that falls behind loses events rather than blocking the
// publisher.
type Bus struct {
	mu          sync.Mutex
	nextSubID   int
	subscribers map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
}

func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}
