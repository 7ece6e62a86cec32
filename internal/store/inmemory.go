package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echodiary/echodiary/internal/modes"
)

// InMemoryStore is an in-process implementation for local/dev use and tests.
// It mirrors the Postgres semantics, including the conditional writes that
// back the uniqueness invariants.
type InMemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*User
	userPhone map[string]string
	calls     map[string]*Call
	callSID   map[string]string
	turns     map[string][]Turn
	entities  map[string]*Entity
	relations []Relation
	checkins  map[string]*CheckIn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:     make(map[string]*User),
		userPhone: make(map[string]string),
		calls:     make(map[string]*Call),
		callSID:   make(map[string]string),
		turns:     make(map[string][]Turn),
		entities:  make(map[string]*Entity),
		checkins:  make(map[string]*CheckIn),
	}
}

func (s *InMemoryStore) ResolveUser(_ context.Context, phoneNumber string) (User, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return User{}, errors.New("phone number is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.userPhone[phoneNumber]; ok {
		return *s.users[id], nil
	}
	now := time.Now().UTC()
	u := &User{
		ID:            uuid.NewString(),
		PhoneNumber:   phoneNumber,
		PreferredMode: modes.Default,
		BaselineMood:  5.0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.users[u.ID] = u
	s.userPhone[phoneNumber] = u.ID
	return *u, nil
}

func (s *InMemoryStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *InMemoryStore) CreateCall(_ context.Context, call Call) (Call, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.callSID[call.SID]; ok {
		return *s.calls[id], false, nil
	}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.StartTime.IsZero() {
		call.StartTime = time.Now().UTC()
	}
	if call.Processing == "" {
		call.Processing = ProcessingPending
	}
	c := call
	s.calls[c.ID] = &c
	s.callSID[c.SID] = c.ID
	return c, true, nil
}

func (s *InMemoryStore) GetCall(_ context.Context, id string) (Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemoryStore) GetCallBySID(_ context.Context, sid string) (Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.callSID[sid]
	if !ok {
		return Call{}, ErrNotFound
	}
	return *s.calls[id], nil
}

func (s *InMemoryStore) ListCalls(_ context.Context, userID string, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Call, 0, limit)
	for _, c := range s.calls {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UnprocessedCalls(_ context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Call, 0, 8)
	for _, c := range s.calls {
		if c.EndTime != nil && (c.Processing == ProcessingPending || c.Processing == ProcessingRunning) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) FinalizeCall(_ context.Context, id string, endTime time.Time, durationSeconds int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.EndTime != nil {
		return false, nil
	}
	t := endTime
	c.EndTime = &t
	c.DurationSeconds = durationSeconds
	return true, nil
}

func (s *InMemoryStore) SetCallAudioURL(_ context.Context, id, url string) error {
	return s.mutateCall(id, func(c *Call) { c.AudioURL = url })
}

func (s *InMemoryStore) SetCallMood(_ context.Context, id string, score float64, sentiment string, tags []string) error {
	return s.mutateCall(id, func(c *Call) {
		v := score
		c.MoodScore = &v
		c.Sentiment = sentiment
		c.Tags = append([]string(nil), tags...)
	})
}

func (s *InMemoryStore) SetCallSummary(_ context.Context, id, summary string) error {
	return s.mutateCall(id, func(c *Call) { c.Summary = summary })
}

func (s *InMemoryStore) SetCallProcessing(_ context.Context, id string, state Processing) error {
	return s.mutateCall(id, func(c *Call) { c.Processing = state })
}

func (s *InMemoryStore) mutateCall(id string, fn func(*Call)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	fn(c)
	return nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, turn Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[turn.CallID]; !ok {
		return Turn{}, ErrNotFound
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	s.turns[turn.CallID] = append(s.turns[turn.CallID], turn)
	return turn, nil
}

func (s *InMemoryStore) TurnsForCall(_ context.Context, callID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Turn(nil), s.turns[callID]...), nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, callID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 6
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[callID]
	if len(arr) > limit {
		arr = arr[len(arr)-limit:]
	}
	return append([]Turn(nil), arr...), nil
}

func entityKey(userID, nameKey string, category EntityCategory) string {
	return userID + "|" + nameKey + "|" + string(category)
}

func (s *InMemoryStore) UpsertEntity(_ context.Context, entity Entity) (Entity, bool, error) {
	nameKey := NormalizeEntityName(entity.Name)
	if nameKey == "" {
		return Entity{}, false, errors.New("entity name is required")
	}
	now := time.Now().UTC()
	if entity.FirstMentioned.IsZero() {
		entity.FirstMentioned = now
	}
	if entity.LastMentioned.IsZero() {
		entity.LastMentioned = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityKey(entity.UserID, nameKey, entity.Category)
	if existing, ok := s.entities[key]; ok {
		existing.MentionCount++
		existing.LastMentioned = entity.LastMentioned
		if len(entity.Properties) > 0 {
			existing.Properties = entity.Properties
		}
		return *existing, false, nil
	}
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	entity.MentionCount = 1
	e := entity
	s.entities[key] = &e
	return e, true, nil
}

func (s *InMemoryStore) EntitiesForUser(_ context.Context, userID string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0, 16)
	for _, e := range s.entities {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MentionCount != out[j].MentionCount {
			return out[i].MentionCount > out[j].MentionCount
		}
		return out[i].LastMentioned.After(out[j].LastMentioned)
	})
	return out, nil
}

func (s *InMemoryStore) InsertRelation(_ context.Context, rel Relation) (Relation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if rel.Timestamp.IsZero() {
		rel.Timestamp = time.Now().UTC()
	}
	s.relations = append(s.relations, rel)
	return rel, nil
}

func (s *InMemoryStore) RelationsForUser(_ context.Context, userID string) ([]Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owned := make(map[string]bool, len(s.entities))
	for _, e := range s.entities {
		if e.UserID == userID {
			owned[e.ID] = true
		}
	}
	out := make([]Relation, 0, 8)
	for _, r := range s.relations {
		if owned[r.SourceID] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *InMemoryStore) CreateCheckInIfNonePending(_ context.Context, checkin CheckIn) (CheckIn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.checkins {
		if c.UserID == checkin.UserID && c.Status == CheckInPending {
			return CheckIn{}, false, nil
		}
	}
	if checkin.ID == "" {
		checkin.ID = uuid.NewString()
	}
	if checkin.CreatedAt.IsZero() {
		checkin.CreatedAt = time.Now().UTC()
	}
	if checkin.Status == "" {
		checkin.Status = CheckInPending
	}
	c := checkin
	s.checkins[c.ID] = &c
	return c, true, nil
}

func (s *InMemoryStore) ListCheckIns(_ context.Context, userID string, limit int) ([]CheckIn, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CheckIn, 0, 8)
	for _, c := range s.checkins {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) DueCheckIns(_ context.Context, now time.Time, limit int) ([]CheckIn, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CheckIn, 0, 8)
	for _, c := range s.checkins {
		if c.Status == CheckInPending && !c.ScheduledAt.After(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ClaimCheckIn(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checkins[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != CheckInPending {
		return false, nil
	}
	t := now
	c.Status = CheckInCompleted
	c.CompletedAt = &t
	return true, nil
}

func (s *InMemoryStore) FinishCheckIn(_ context.Context, id string, status CheckInStatus, message, deliveryRef string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checkins[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.Message = message
	c.DeliveryRef = deliveryRef
	c.Success = success
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
