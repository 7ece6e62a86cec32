package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Store persists users, calls, turns, the knowledge graph and check-ins.
// The Postgres implementation is authoritative; the in-memory one backs
// local runs and tests with identical semantics.
type Store interface {
	// ResolveUser returns the user for a contact number, creating the
	// profile on first contact.
	ResolveUser(ctx context.Context, phoneNumber string) (User, error)
	GetUser(ctx context.Context, id string) (User, error)

	// CreateCall inserts a call row keyed by the gateway session id. If a
	// call with the same SID already exists the existing row is returned
	// and created is false.
	CreateCall(ctx context.Context, call Call) (c Call, created bool, err error)
	GetCall(ctx context.Context, id string) (Call, error)
	GetCallBySID(ctx context.Context, sid string) (Call, error)
	ListCalls(ctx context.Context, userID string, limit int) ([]Call, error)
	// UnprocessedCalls returns finalized calls whose pipeline never
	// reached a terminal state, oldest first, so a restarted process can
	// re-dispatch them.
	UnprocessedCalls(ctx context.Context, limit int) ([]Call, error)

	// FinalizeCall stamps end time and duration exactly once. It reports
	// false when the call was already finalized, which is how duplicate
	// session-end deliveries collapse into a no-op.
	FinalizeCall(ctx context.Context, id string, endTime time.Time, durationSeconds int) (bool, error)
	SetCallAudioURL(ctx context.Context, id, url string) error
	SetCallMood(ctx context.Context, id string, score float64, sentiment string, tags []string) error
	SetCallSummary(ctx context.Context, id, summary string) error
	SetCallProcessing(ctx context.Context, id string, state Processing) error

	AppendTurn(ctx context.Context, turn Turn) (Turn, error)
	TurnsForCall(ctx context.Context, callID string) ([]Turn, error)
	// RecentTurns returns the last limit turns of a call in chronological
	// order, for rebuilding the ephemeral window after a cache loss.
	RecentTurns(ctx context.Context, callID string, limit int) ([]Turn, error)

	// UpsertEntity merges an entity by (user, normalized name, category):
	// inserts with mention_count=1 or increments the existing row. Safe
	// under concurrent execution for the same user.
	UpsertEntity(ctx context.Context, entity Entity) (e Entity, created bool, err error)
	EntitiesForUser(ctx context.Context, userID string) ([]Entity, error)
	InsertRelation(ctx context.Context, rel Relation) (Relation, error)
	RelationsForUser(ctx context.Context, userID string) ([]Relation, error)

	// CreateCheckInIfNonePending atomically creates a pending check-in
	// unless the user already has one; created is false on the no-op path.
	CreateCheckInIfNonePending(ctx context.Context, checkin CheckIn) (c CheckIn, created bool, err error)
	ListCheckIns(ctx context.Context, userID string, limit int) ([]CheckIn, error)
	DueCheckIns(ctx context.Context, now time.Time, limit int) ([]CheckIn, error)
	// ClaimCheckIn conditionally moves a pending check-in out of the
	// pending state so concurrent dispatchers cannot double-send.
	ClaimCheckIn(ctx context.Context, id string, now time.Time) (bool, error)
	FinishCheckIn(ctx context.Context, id string, status CheckInStatus, message, deliveryRef string, success bool) error

	Close() error
}
