package modes

import "strings"

// Mode selects the conversational style of the agent for a call.
type Mode string

const (
	ModeReassure  Mode = "reassure"
	ModeToughLove Mode = "tough_love"
	ModeListener  Mode = "listener"
)

// Default is used when neither the gateway nor the user profile names a mode.
const Default = ModeReassure

func (m Mode) Valid() bool {
	switch m {
	case ModeReassure, ModeToughLove, ModeListener:
		return true
	default:
		return false
	}
}

// Bundle carries the style parameters for one mode. Prompt text lives here
// rather than in ad hoc branches so every consumer styles replies the same way.
type Bundle struct {
	Mode         Mode
	SystemPrompt string
	Greeting     string
	EmotionHint  string
	Temperature  float32
}

var bundles = map[Mode]Bundle{
	ModeReassure: {
		Mode: ModeReassure,
		SystemPrompt: "You are a warm, caring, emotionally intelligent voice companion. " +
			"Provide reassurance and emotional support. Listen deeply, validate feelings, " +
			"and offer gentle encouragement. Keep responses under 50 words.",
		Greeting:    "Hey, I'm Echo. I'm here for you. What's on your mind?",
		EmotionHint: "warm",
		Temperature: 0.7,
	},
	ModeToughLove: {
		Mode: ModeToughLove,
		SystemPrompt: "You are a direct, honest, supportive voice companion. " +
			"Provide tough love - be real and constructive. Challenge gently but firmly, " +
			"encourage action and growth. Keep responses under 50 words.",
		Greeting:    "Hey, I'm Echo. Let's be real with each other. What's going on?",
		EmotionHint: "confident",
		Temperature: 0.7,
	},
	ModeListener: {
		Mode: ModeListener,
		SystemPrompt: "You are a patient, non-judgmental voice companion. " +
			"Simply listen and acknowledge. Reflect back what you hear, ask gentle questions. " +
			"Keep responses under 50 words.",
		Greeting:    "Hi, I'm Echo, and I'm all ears. What's happening with you?",
		EmotionHint: "calm",
		Temperature: 0.6,
	},
}

// BundleFor returns the style bundle for a mode, falling back to the default
// bundle for unknown values.
func BundleFor(m Mode) Bundle {
	if b, ok := bundles[m]; ok {
		return b
	}
	return bundles[Default]
}

// Resolve picks the effective mode from a requested value and a stored user
// preference, falling back to the default.
func Resolve(requested, preferred string) Mode {
	if m := Mode(strings.TrimSpace(requested)); m.Valid() {
		return m
	}
	if m := Mode(strings.TrimSpace(preferred)); m.Valid() {
		return m
	}
	return Default
}
