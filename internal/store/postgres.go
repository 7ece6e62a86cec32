package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echodiary/echodiary/internal/modes"
)

// PostgresStore persists all durable rows in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			phone_number TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			preferred_mode TEXT NOT NULL DEFAULT 'reassure',
			baseline_mood DOUBLE PRECISION NOT NULL DEFAULT 5.0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			sid TEXT UNIQUE NOT NULL,
			from_number TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			mode TEXT NOT NULL,
			mood_score DOUBLE PRECISION NULL,
			sentiment TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			tags TEXT[] NULL,
			audio_url TEXT NOT NULL DEFAULT '',
			processing TEXT NOT NULL DEFAULT 'pending'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_user_start ON calls (user_id, start_time DESC);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
			ts TIMESTAMPTZ NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			confidence DOUBLE PRECISION NULL,
			emotion TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_call_ts ON turns (call_id, ts);`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			name_key TEXT NOT NULL,
			category TEXT NOT NULL,
			first_mentioned TIMESTAMPTZ NOT NULL,
			last_mentioned TIMESTAMPTZ NOT NULL,
			mention_count INTEGER NOT NULL DEFAULT 1,
			properties JSONB NULL,
			UNIQUE (user_id, name_key, category)
		);`,
		`CREATE TABLE IF NOT EXISTS relations (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
			source_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			target_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			category TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			context TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS checkins (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			call_id TEXT NULL,
			scheduled_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			completed_at TIMESTAMPTZ NULL,
			reason TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT 'sms',
			delivery_ref TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL DEFAULT FALSE
		);`,
		// One pending check-in per user, enforced by the database so
		// concurrent finalizations cannot double-schedule.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_checkins_one_pending
			ON checkins (user_id) WHERE status = 'pending';`,
		`CREATE INDEX IF NOT EXISTS idx_checkins_due ON checkins (scheduled_at) WHERE status = 'pending';`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) ResolveUser(ctx context.Context, phoneNumber string) (User, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return User{}, errors.New("phone number is required")
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, phone_number, preferred_mode, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (phone_number) DO NOTHING`,
		uuid.NewString(), phoneNumber, string(modes.Default), now,
	)
	if err != nil {
		return User{}, fmt.Errorf("resolve user: %w", err)
	}
	return s.userBy(ctx, "phone_number", phoneNumber)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	return s.userBy(ctx, "id", id)
}

func (s *PostgresStore) userBy(ctx context.Context, column, value string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, phone_number, name, preferred_mode, baseline_mood, created_at, updated_at
		   FROM users WHERE `+column+`=$1`, value)
	var (
		u    User
		mode string
	)
	if err := row.Scan(&u.ID, &u.PhoneNumber, &u.Name, &mode, &u.BaselineMood, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	u.PreferredMode = modes.Mode(mode)
	return u, nil
}

func (s *PostgresStore) CreateCall(ctx context.Context, call Call) (Call, bool, error) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.StartTime.IsZero() {
		call.StartTime = time.Now().UTC()
	}
	if call.Processing == "" {
		call.Processing = ProcessingPending
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO calls (id, user_id, sid, from_number, start_time, mode, processing)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (sid) DO NOTHING`,
		call.ID, call.UserID, call.SID, call.FromNumber, call.StartTime, string(call.Mode), string(call.Processing),
	)
	if err != nil {
		return Call{}, false, fmt.Errorf("create call: %w", err)
	}
	created := tag.RowsAffected() == 1
	existing, err := s.GetCallBySID(ctx, call.SID)
	if err != nil {
		return Call{}, false, err
	}
	return existing, created, nil
}

const callColumns = `id, user_id, sid, from_number, start_time, end_time, duration_seconds,
	mode, mood_score, sentiment, summary, tags, audio_url, processing`

func (s *PostgresStore) GetCall(ctx context.Context, id string) (Call, error) {
	return s.callBy(ctx, "id", id)
}

func (s *PostgresStore) GetCallBySID(ctx context.Context, sid string) (Call, error) {
	return s.callBy(ctx, "sid", sid)
}

func (s *PostgresStore) callBy(ctx context.Context, column, value string) (Call, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE `+column+`=$1`, value)
	call, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, fmt.Errorf("get call: %w", err)
	}
	return call, nil
}

func (s *PostgresStore) ListCalls(ctx context.Context, userID string, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM calls WHERE user_id=$1 ORDER BY start_time DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := make([]Call, 0, limit)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		out = append(out, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UnprocessedCalls(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM calls
		  WHERE end_time IS NOT NULL AND processing IN ('pending','running')
		  ORDER BY start_time ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("unprocessed calls: %w", err)
	}
	defer rows.Close()

	out := make([]Call, 0, 8)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		out = append(out, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return out, nil
}

func scanCall(row pgx.Row) (Call, error) {
	var (
		c    Call
		mode string
		proc string
	)
	if err := row.Scan(
		&c.ID, &c.UserID, &c.SID, &c.FromNumber, &c.StartTime, &c.EndTime, &c.DurationSeconds,
		&mode, &c.MoodScore, &c.Sentiment, &c.Summary, &c.Tags, &c.AudioURL, &proc,
	); err != nil {
		return Call{}, err
	}
	c.Mode = modes.Mode(mode)
	c.Processing = Processing(proc)
	return c, nil
}

func (s *PostgresStore) FinalizeCall(ctx context.Context, id string, endTime time.Time, durationSeconds int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET end_time=$2, duration_seconds=$3 WHERE id=$1 AND end_time IS NULL`,
		id, endTime, durationSeconds,
	)
	if err != nil {
		return false, fmt.Errorf("finalize call: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetCallAudioURL(ctx context.Context, id, url string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE calls SET audio_url=$2 WHERE id=$1`, id, url); err != nil {
		return fmt.Errorf("set call audio url: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetCallMood(ctx context.Context, id string, score float64, sentiment string, tags []string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE calls SET mood_score=$2, sentiment=$3, tags=$4 WHERE id=$1`,
		id, score, sentiment, tags,
	); err != nil {
		return fmt.Errorf("set call mood: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetCallSummary(ctx context.Context, id, summary string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE calls SET summary=$2 WHERE id=$1`, id, summary); err != nil {
		return fmt.Errorf("set call summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetCallProcessing(ctx context.Context, id string, state Processing) error {
	if _, err := s.pool.Exec(ctx, `UPDATE calls SET processing=$2 WHERE id=$1`, id, string(state)); err != nil {
		return fmt.Errorf("set call processing: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (id, call_id, ts, speaker, text, confidence, emotion)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		turn.ID, turn.CallID, turn.Timestamp, string(turn.Speaker), turn.Text, turn.Confidence, turn.Emotion,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) TurnsForCall(ctx context.Context, callID string) ([]Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, call_id, ts, speaker, text, confidence, emotion
		   FROM turns WHERE call_id=$1 ORDER BY ts ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

func (s *PostgresStore) RecentTurns(ctx context.Context, callID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 6
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, call_id, ts, speaker, text, confidence, emotion
		   FROM turns WHERE call_id=$1 ORDER BY ts DESC LIMIT $2`, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	turns, err := collectTurns(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func collectTurns(rows pgx.Rows) ([]Turn, error) {
	turns := make([]Turn, 0, 8)
	for rows.Next() {
		var (
			t       Turn
			speaker string
		)
		if err := rows.Scan(&t.ID, &t.CallID, &t.Timestamp, &speaker, &t.Text, &t.Confidence, &t.Emotion); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Speaker = Speaker(speaker)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) UpsertEntity(ctx context.Context, entity Entity) (Entity, bool, error) {
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entity.FirstMentioned.IsZero() {
		entity.FirstMentioned = now
	}
	if entity.LastMentioned.IsZero() {
		entity.LastMentioned = now
	}
	nameKey := NormalizeEntityName(entity.Name)
	if nameKey == "" {
		return Entity{}, false, errors.New("entity name is required")
	}

	var props []byte
	if len(entity.Properties) > 0 {
		b, err := json.Marshal(entity.Properties)
		if err != nil {
			return Entity{}, false, fmt.Errorf("marshal entity properties: %w", err)
		}
		props = b
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO entities (id, user_id, name, name_key, category, first_mentioned, last_mentioned, mention_count, properties)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
		 ON CONFLICT (user_id, name_key, category) DO UPDATE SET
			mention_count = entities.mention_count + 1,
			last_mentioned = EXCLUDED.last_mentioned,
			properties = COALESCE(EXCLUDED.properties, entities.properties)
		 RETURNING id, first_mentioned, last_mentioned, mention_count, properties`,
		entity.ID, entity.UserID, entity.Name, nameKey, string(entity.Category),
		entity.FirstMentioned, entity.LastMentioned, props,
	)
	var stored []byte
	if err := row.Scan(&entity.ID, &entity.FirstMentioned, &entity.LastMentioned, &entity.MentionCount, &stored); err != nil {
		return Entity{}, false, fmt.Errorf("upsert entity: %w", err)
	}
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &entity.Properties); err != nil {
			return Entity{}, false, fmt.Errorf("unmarshal entity properties: %w", err)
		}
	}
	return entity, entity.MentionCount == 1, nil
}

func (s *PostgresStore) EntitiesForUser(ctx context.Context, userID string) ([]Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, category, first_mentioned, last_mentioned, mention_count, properties
		   FROM entities WHERE user_id=$1 ORDER BY mention_count DESC, last_mentioned DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	out := make([]Entity, 0, 16)
	for rows.Next() {
		var (
			e        Entity
			category string
			props    []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &category, &e.FirstMentioned, &e.LastMentioned, &e.MentionCount, &props); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		e.Category = EntityCategory(category)
		if len(props) > 0 {
			if err := json.Unmarshal(props, &e.Properties); err != nil {
				return nil, fmt.Errorf("unmarshal entity properties: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertRelation(ctx context.Context, rel Relation) (Relation, error) {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if rel.Timestamp.IsZero() {
		rel.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relations (id, call_id, source_id, target_id, category, ts, context)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rel.ID, rel.CallID, rel.SourceID, rel.TargetID, rel.Category, rel.Timestamp, rel.Context,
	)
	if err != nil {
		return Relation{}, fmt.Errorf("insert relation: %w", err)
	}
	return rel, nil
}

func (s *PostgresStore) RelationsForUser(ctx context.Context, userID string) ([]Relation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.call_id, r.source_id, r.target_id, r.category, r.ts, r.context
		   FROM relations r JOIN entities e ON e.id = r.source_id
		  WHERE e.user_id=$1 ORDER BY r.ts DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer rows.Close()

	out := make([]Relation, 0, 16)
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.ID, &r.CallID, &r.SourceID, &r.TargetID, &r.Category, &r.Timestamp, &r.Context); err != nil {
			return nil, fmt.Errorf("scan relation row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateCheckInIfNonePending(ctx context.Context, checkin CheckIn) (CheckIn, bool, error) {
	if checkin.ID == "" {
		checkin.ID = uuid.NewString()
	}
	if checkin.CreatedAt.IsZero() {
		checkin.CreatedAt = time.Now().UTC()
	}
	if checkin.Status == "" {
		checkin.Status = CheckInPending
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO checkins (id, user_id, call_id, scheduled_at, created_at, status, reason, message, channel)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id) WHERE status = 'pending' DO NOTHING`,
		checkin.ID, checkin.UserID, checkin.CallID, checkin.ScheduledAt, checkin.CreatedAt,
		string(checkin.Status), checkin.Reason, checkin.Message, checkin.Channel,
	)
	if err != nil {
		return CheckIn{}, false, fmt.Errorf("create checkin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return CheckIn{}, false, nil
	}
	return checkin, true, nil
}

const checkinColumns = `id, user_id, COALESCE(call_id, ''), scheduled_at, created_at, status,
	completed_at, reason, message, channel, delivery_ref, success`

func (s *PostgresStore) ListCheckIns(ctx context.Context, userID string, limit int) ([]CheckIn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+checkinColumns+` FROM checkins WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkins: %w", err)
	}
	defer rows.Close()
	return collectCheckIns(rows)
}

func (s *PostgresStore) DueCheckIns(ctx context.Context, now time.Time, limit int) ([]CheckIn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+checkinColumns+` FROM checkins
		  WHERE status='pending' AND scheduled_at <= $1
		  ORDER BY scheduled_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due checkins: %w", err)
	}
	defer rows.Close()
	return collectCheckIns(rows)
}

func collectCheckIns(rows pgx.Rows) ([]CheckIn, error) {
	out := make([]CheckIn, 0, 8)
	for rows.Next() {
		var (
			c      CheckIn
			status string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.CallID, &c.ScheduledAt, &c.CreatedAt, &status,
			&c.CompletedAt, &c.Reason, &c.Message, &c.Channel, &c.DeliveryRef, &c.Success); err != nil {
			return nil, fmt.Errorf("scan checkin row: %w", err)
		}
		c.Status = CheckInStatus(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkin rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ClaimCheckIn(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkins SET status=$2, completed_at=$3 WHERE id=$1 AND status='pending'`,
		id, string(CheckInCompleted), now,
	)
	if err != nil {
		return false, fmt.Errorf("claim checkin: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinishCheckIn(ctx context.Context, id string, status CheckInStatus, message, deliveryRef string, success bool) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE checkins SET status=$2, message=$3, delivery_ref=$4, success=$5 WHERE id=$1`,
		id, string(status), message, deliveryRef, success,
	); err != nil {
		return fmt.Errorf("finish checkin: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
