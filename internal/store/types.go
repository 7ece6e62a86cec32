package store

import (
	"strings"
	"time"

	"github.com/echodiary/echodiary/internal/modes"
)

// Speaker identifies which party produced a turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Processing tracks how far the post-call pipeline got for a call.
type Processing string

const (
	ProcessingPending  Processing = "pending"
	ProcessingRunning  Processing = "running"
	ProcessingPartial  Processing = "partial"
	ProcessingComplete Processing = "complete"
)

// EntityCategory classifies a knowledge-graph node.
type EntityCategory string

const (
	CategoryPerson  EntityCategory = "Person"
	CategoryPlace   EntityCategory = "Place"
	CategoryOrg     EntityCategory = "Org"
	CategoryTopic   EntityCategory = "Topic"
	CategoryEmotion EntityCategory = "Emotion"
)

func (c EntityCategory) Valid() bool {
	switch c {
	case CategoryPerson, CategoryPlace, CategoryOrg, CategoryTopic, CategoryEmotion:
		return true
	default:
		return false
	}
}

// CheckInStatus is the delivery lifecycle of a scheduled check-in.
type CheckInStatus string

const (
	CheckInPending   CheckInStatus = "pending"
	CheckInCompleted CheckInStatus = "completed"
	CheckInFailed    CheckInStatus = "failed"
	CheckInCancelled CheckInStatus = "cancelled"
)

// User is a caller profile keyed by their external contact number.
type User struct {
	ID            string     `json:"id"`
	PhoneNumber   string     `json:"phone_number"`
	Name          string     `json:"name,omitempty"`
	PreferredMode modes.Mode `json:"preferred_mode"`
	BaselineMood  float64    `json:"baseline_mood"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Call is one complete voice conversation, start to finalize.
type Call struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	SID             string     `json:"sid"`
	FromNumber      string     `json:"from_number,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	Mode            modes.Mode `json:"mode"`
	MoodScore       *float64   `json:"mood_score,omitempty"`
	Sentiment       string     `json:"sentiment,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	AudioURL        string     `json:"audio_url,omitempty"`
	Processing      Processing `json:"processing"`
}

// Finalized reports whether the call has been closed by the lifecycle engine.
func (c Call) Finalized() bool { return c.EndTime != nil }

// Turn is one utterance within a call. Turns are immutable once written and
// totally ordered per call by timestamp.
type Turn struct {
	ID         string    `json:"id"`
	CallID     string    `json:"call_id"`
	Timestamp  time.Time `json:"timestamp"`
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Confidence *float64  `json:"confidence,omitempty"`
	Emotion    string    `json:"emotion,omitempty"`
}

// Entity is a user-scoped knowledge-graph node. (user, normalized name,
// category) is unique; re-mentions bump MentionCount and LastMentioned.
type Entity struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Name           string            `json:"name"`
	Category       EntityCategory    `json:"category"`
	FirstMentioned time.Time         `json:"first_mentioned"`
	LastMentioned  time.Time         `json:"last_mentioned"`
	MentionCount   int               `json:"mention_count"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// Relation is a call-scoped knowledge-graph edge between two entities.
type Relation struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
	Context   string    `json:"context,omitempty"`
}

// CheckIn is a scheduled proactive follow-up. At most one pending check-in
// may exist per user.
type CheckIn struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	CallID      string        `json:"call_id,omitempty"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	CreatedAt   time.Time     `json:"created_at"`
	Status      CheckInStatus `json:"status"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Message     string        `json:"message,omitempty"`
	Channel     string        `json:"channel"`
	DeliveryRef string        `json:"delivery_ref,omitempty"`
	Success     bool          `json:"success"`
}

// NormalizeEntityName folds case and collapses whitespace so that re-mentions
// like "Mom" and " mom " resolve to the same graph node.
func NormalizeEntityName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
