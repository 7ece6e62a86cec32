package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echodiary/echodiary/internal/modes"
	"github.com/echodiary/echodiary/internal/observability"
	"github.com/echodiary/echodiary/internal/session"
	"github.com/echodiary/echodiary/internal/store"
)

var (
	// ErrUnknownSession means no call exists for the gateway session id.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionClosed means the call behind the session was finalized.
	ErrSessionClosed = errors.New("session already closed")
	// ErrSessionExpired means the session went idle past its TTL; the call
	// has been (or is being) finalized and the session is unreachable.
	ErrSessionExpired = errors.New("session expired")
)

// Finalizer receives calls that were closed exactly once and owns the
// post-call pipeline. Enqueue must not block.
type Finalizer interface {
	Enqueue(callID string)
}

// Handle is what StartSession gives back to the transport layer.
type Handle struct {
	SessionID string
	CallID    string
	UserID    string
	Mode      modes.Mode
	Resumed   bool
}

// Engine drives the session lifecycle: it owns the dual write to the
// durable store and the ephemeral cache, the bounded context window, and
// the exactly-once handoff to the post-call pipeline. All operations on
// one session id are serialized; different sessions proceed in parallel.
type Engine struct {
	store          store.Store
	cache          session.Cache
	finalizer      Finalizer
	bus            *Bus
	metrics        *observability.Metrics
	windowCapacity int
	ttl            time.Duration

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sync.Mutex
	refs int
}

func NewEngine(st store.Store, cache session.Cache, finalizer Finalizer, bus *Bus, metrics *observability.Metrics, windowCapacity int, ttl time.Duration) *Engine {
	return &Engine{
		store:          st,
		cache:          cache,
		finalizer:      finalizer,
		bus:            bus,
		metrics:        metrics,
		windowCapacity: windowCapacity,
		ttl:            ttl,
		locks:          make(map[string]*sessionLock),
	}
}

func (e *Engine) lock(sid string) func() {
	e.mu.Lock()
	l, ok := e.locks[sid]
	if !ok {
		l = &sessionLock{}
		e.locks[sid] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, sid)
		}
		e.mu.Unlock()
	}
}

// StartSession opens (or resumes) the session for a gateway session id.
// The caller profile is resolved from the contact number, created on first
// contact. Duplicate deliveries of the same start event resume the existing
// call instead of creating a second one.
func (e *Engine) StartSession(ctx context.Context, sid, phoneNumber, requestedMode string) (Handle, error) {
	if sid == "" {
		return Handle{}, errors.New("session id is required")
	}
	unlock := e.lock(sid)
	defer unlock()

	user, err := e.store.ResolveUser(ctx, phoneNumber)
	if err != nil {
		return Handle{}, fmt.Errorf("resolve user: %w", err)
	}
	mode := modes.Resolve(requestedMode, string(user.PreferredMode))

	now := time.Now().UTC()
	call, created, err := e.store.CreateCall(ctx, store.Call{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		SID:        sid,
		FromNumber: phoneNumber,
		StartTime:  now,
		Mode:       mode,
		Processing: store.ProcessingPending,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("create call: %w", err)
	}
	if !created && call.Finalized() {
		return Handle{}, ErrSessionClosed
	}

	h := Handle{SessionID: sid, CallID: call.ID, UserID: call.UserID, Mode: call.Mode, Resumed: !created}
	if created {
		err = e.cache.Put(ctx, session.Session{
			ID:        sid,
			CallID:    call.ID,
			UserID:    call.UserID,
			Mode:      call.Mode,
			StartedAt: call.StartTime,
		})
		if err != nil {
			return Handle{}, fmt.Errorf("cache session: %w", err)
		}
		e.metrics.ActiveSessions.Inc()
		e.metrics.SessionEvents.WithLabelValues("started").Inc()
		e.bus.Publish(Event{Type: EventSessionStarted, SessionID: sid, CallID: call.ID, UserID: call.UserID})
		return h, nil
	}

	// Duplicate start: make sure the window is still live.
	if _, err := e.lookup(ctx, sid); err != nil {
		return Handle{}, err
	}
	e.metrics.SessionEvents.WithLabelValues("resumed").Inc()
	return h, nil
}

// TurnInput is one utterance to record. Confidence and emotion are optional
// gateway annotations.
type TurnInput struct {
	Speaker    store.Speaker
	Text       string
	Confidence *float64
	Emotion    string
}

// RecordTurn appends an utterance durably first, then to the bounded window.
// A turn against a finalized call is rejected.
func (e *Engine) RecordTurn(ctx context.Context, sid string, in TurnInput) (session.Session, error) {
	unlock := e.lock(sid)
	defer unlock()

	sess, err := e.lookup(ctx, sid)
	if err != nil {
		return session.Session{}, err
	}

	turn := store.Turn{
		ID:         uuid.NewString(),
		CallID:     sess.CallID,
		Timestamp:  time.Now().UTC(),
		Speaker:    in.Speaker,
		Text:       in.Text,
		Confidence: in.Confidence,
		Emotion:    in.Emotion,
	}
	if _, err := e.store.AppendTurn(ctx, turn); err != nil {
		return session.Session{}, fmt.Errorf("append turn: %w", err)
	}

	updated, err := e.cache.AppendTurn(ctx, sid, session.Turn{Speaker: in.Speaker, Text: in.Text, At: turn.Timestamp}, e.windowCapacity)
	if errors.Is(err, session.ErrNotFound) {
		// The cache dropped the entry between lookup and append. The turn
		// is durable, so rebuild the window rather than failing the call.
		updated, err = e.rebuild(ctx, sid)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("cache turn: %w", err)
	}

	e.metrics.TurnsRecorded.WithLabelValues(string(in.Speaker)).Inc()
	e.bus.Publish(Event{Type: EventTurnRecorded, SessionID: sid, CallID: sess.CallID, UserID: sess.UserID, Detail: string(in.Speaker)})
	return updated, nil
}

// GetContext returns the live session with its bounded turn window. On a
// cache miss for a still-open, still-fresh call the window is rebuilt from
// the durable store and re-primed.
func (e *Engine) GetContext(ctx context.Context, sid string) (session.Session, error) {
	unlock := e.lock(sid)
	defer unlock()
	return e.lookup(ctx, sid)
}

func (e *Engine) lookup(ctx context.Context, sid string) (session.Session, error) {
	sess, err := e.cache.Get(ctx, sid)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return session.Session{}, fmt.Errorf("cache get: %w", err)
	}
	return e.rebuild(ctx, sid)
}

// rebuild reconstructs the session window from the durable store after a
// cache loss. A call whose last activity is older than the session TTL is
// treated as expired and finalized on the spot, so cache restarts cannot
// resurrect dead sessions.
func (e *Engine) rebuild(ctx context.Context, sid string) (session.Session, error) {
	call, err := e.store.GetCallBySID(ctx, sid)
	if errors.Is(err, store.ErrNotFound) {
		return session.Session{}, ErrUnknownSession
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("load call: %w", err)
	}
	if call.Finalized() {
		return session.Session{}, ErrSessionClosed
	}

	turns, err := e.store.RecentTurns(ctx, call.ID, e.windowCapacity)
	if err != nil {
		return session.Session{}, fmt.Errorf("recent turns: %w", err)
	}

	lastActivity := call.StartTime
	if n := len(turns); n > 0 {
		lastActivity = turns[n-1].Timestamp
	}
	if e.ttl > 0 && time.Since(lastActivity) > e.ttl {
		e.expire(ctx, call, lastActivity)
		return session.Session{}, ErrSessionExpired
	}

	sess := session.Session{
		ID:        sid,
		CallID:    call.ID,
		UserID:    call.UserID,
		Mode:      call.Mode,
		StartedAt: call.StartTime,
	}
	for _, t := range turns {
		sess.Turns = append(sess.Turns, session.Turn{Speaker: t.Speaker, Text: t.Text, At: t.Timestamp})
	}
	if err := e.cache.Put(ctx, sess); err != nil {
		return session.Session{}, fmt.Errorf("re-prime cache: %w", err)
	}
	e.metrics.SessionEvents.WithLabelValues("rebuilt").Inc()
	return sess, nil
}

// EndSession finalizes the call behind a session exactly once and hands it
// to the post-call pipeline. Duplicate end deliveries collapse into a no-op
// that reports finalized=false. gatewayDuration, when positive, is trusted
// over our own clock.
func (e *Engine) EndSession(ctx context.Context, sid string, gatewayDuration int) (store.Call, bool, error) {
	unlock := e.lock(sid)
	defer unlock()

	call, err := e.store.GetCallBySID(ctx, sid)
	if errors.Is(err, store.ErrNotFound) {
		return store.Call{}, false, ErrUnknownSession
	}
	if err != nil {
		return store.Call{}, false, fmt.Errorf("load call: %w", err)
	}

	now := time.Now().UTC()
	duration := gatewayDuration
	if duration <= 0 {
		duration = int(now.Sub(call.StartTime).Seconds())
	}

	finalized, err := e.store.FinalizeCall(ctx, call.ID, now, duration)
	if err != nil {
		return store.Call{}, false, fmt.Errorf("finalize call: %w", err)
	}
	if finalized {
		if err := e.cache.Delete(ctx, sid); err != nil {
			log.Printf("lifecycle: drop session %s from cache: %v", sid, err)
		}
		e.metrics.ActiveSessions.Dec()
		e.metrics.SessionEvents.WithLabelValues("finalized").Inc()
		e.bus.Publish(Event{Type: EventSessionFinalized, SessionID: sid, CallID: call.ID, UserID: call.UserID})
		if e.finalizer != nil {
			e.finalizer.Enqueue(call.ID)
		}
	} else {
		e.metrics.SessionEvents.WithLabelValues("finalize_duplicate").Inc()
	}

	updated, err := e.store.GetCall(ctx, call.ID)
	if err != nil {
		return store.Call{}, finalized, fmt.Errorf("reload call: %w", err)
	}
	return updated, finalized, nil
}

// AttachArtifact records the recording URL the gateway delivers, often
// after the session has already been finalized. It never fails a closed
// call for lateness. A completed recording against an open call with no
// live session means the end event was lost, so the call is finalized
// here; the finalize gate keeps the pipeline from running twice.
func (e *Engine) AttachArtifact(ctx context.Context, sid, audioURL string) error {
	if audioURL == "" {
		return nil
	}
	unlock := e.lock(sid)
	defer unlock()

	call, err := e.store.GetCallBySID(ctx, sid)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownSession
	}
	if err != nil {
		return fmt.Errorf("load call: %w", err)
	}
	if err := e.store.SetCallAudioURL(ctx, call.ID, audioURL); err != nil {
		return fmt.Errorf("set audio url: %w", err)
	}
	e.metrics.SessionEvents.WithLabelValues("artifact_attached").Inc()

	if call.Finalized() {
		return nil
	}
	if _, err := e.cache.Get(ctx, sid); err == nil {
		// Session is still live; a mid-call update changes nothing else.
		return nil
	} else if !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("cache get: %w", err)
	}

	lastActivity := call.StartTime
	if turns, err := e.store.RecentTurns(ctx, call.ID, 1); err == nil && len(turns) > 0 {
		lastActivity = turns[0].Timestamp
	}
	e.expire(ctx, call, lastActivity)
	return nil
}

// OnCacheExpire is wired as the cache eviction hook: when a session idles
// out of the cache, the call behind it is finalized so it still flows
// through the pipeline. Abandoned calls must not stay open forever.
func (e *Engine) OnCacheExpire(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	unlock := e.lock(sid)
	defer unlock()

	call, err := e.store.GetCallBySID(ctx, sid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("lifecycle: expire %s: load call: %v", sid, err)
		}
		return
	}
	if call.Finalized() {
		return
	}

	lastActivity := call.StartTime
	if turns, err := e.store.RecentTurns(ctx, call.ID, 1); err == nil && len(turns) > 0 {
		lastActivity = turns[0].Timestamp
	}
	e.expire(ctx, call, lastActivity)
}

// expire finalizes an abandoned call, stamping the end at the moment of
// last activity rather than discovery time.
func (e *Engine) expire(ctx context.Context, call store.Call, lastActivity time.Time) {
	duration := int(lastActivity.Sub(call.StartTime).Seconds())
	if duration < 0 {
		duration = 0
	}
	finalized, err := e.store.FinalizeCall(ctx, call.ID, lastActivity, duration)
	if err != nil {
		log.Printf("lifecycle: expire call %s: %v", call.ID, err)
		return
	}
	if !finalized {
		return
	}
	if err := e.cache.Delete(ctx, call.SID); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("lifecycle: expire %s: drop cache entry: %v", call.SID, err)
	}
	e.metrics.ActiveSessions.Dec()
	e.metrics.SessionEvents.WithLabelValues("expired").Inc()
	e.bus.Publish(Event{Type: EventSessionExpired, SessionID: call.SID, CallID: call.ID, UserID: call.UserID})
	if e.finalizer != nil {
		e.finalizer.Enqueue(call.ID)
	}
}
