package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice diary service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DatabaseURL string
	RedisURL    string

	SessionTTL           time.Duration
	ContextTurnsPerParty int
	PipelineWorkers      int
	PipelineQueueSize    int
	CollaboratorTimeout  time.Duration
	StageAttempts        int
	StageBackoffBase     time.Duration
	StageBackoffCap      time.Duration
	MoodThreshold        float64
	CheckinDelay         time.Duration
	CheckinChannel       string
	CheckinCronSpec      string
	CheckinDispatchBatch int

	BrainProvider   string
	OpenAIAPIKey    string
	OpenAIModel     string
	OpenAIMaxTokens int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "echodiary"),
		AllowAnyOrigin:       false,
		DatabaseURL:          envTrimmed("DATABASE_URL"),
		RedisURL:             envTrimmed("REDIS_URL"),
		ShutdownTimeout:      15 * time.Second,
		SessionTTL:           2 * time.Hour,
		ContextTurnsPerParty: 3,
		PipelineWorkers:      4,
		PipelineQueueSize:    256,
		CollaboratorTimeout:  30 * time.Second,
		StageAttempts:        3,
		StageBackoffBase:     500 * time.Millisecond,
		StageBackoffCap:      10 * time.Second,
		MoodThreshold:        3.0,
		CheckinDelay:         24 * time.Hour,
		CheckinChannel:       envOrDefault("CHECKIN_CHANNEL", "sms"),
		CheckinCronSpec:      envOrDefault("CHECKIN_CRON_SPEC", "@every 15m"),
		CheckinDispatchBatch: 20,
		BrainProvider:        envOrDefault("BRAIN_PROVIDER", "auto"),
		OpenAIAPIKey:         envTrimmed("OPENAI_API_KEY"),
		OpenAIModel:          envOrDefault("OPENAI_MODEL", "gpt-4-turbo-preview"),
		OpenAIMaxTokens:      100,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextTurnsPerParty, err = intFromEnv("CONTEXT_TURNS_LIMIT", cfg.ContextTurnsPerParty)
	if err != nil {
		return Config{}, err
	}
	cfg.PipelineWorkers, err = intFromEnv("PIPELINE_WORKERS", cfg.PipelineWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.PipelineQueueSize, err = intFromEnv("PIPELINE_QUEUE_SIZE", cfg.PipelineQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.CollaboratorTimeout, err = durationFromEnv("COLLABORATOR_TIMEOUT", cfg.CollaboratorTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StageAttempts, err = intFromEnv("PIPELINE_STAGE_ATTEMPTS", cfg.StageAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.StageBackoffBase, err = durationFromEnv("PIPELINE_BACKOFF_BASE", cfg.StageBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.StageBackoffCap, err = durationFromEnv("PIPELINE_BACKOFF_CAP", cfg.StageBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.MoodThreshold, err = floatFromEnv("MOOD_NEGATIVE_THRESHOLD", cfg.MoodThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.CheckinDelay, err = durationFromEnv("CHECKIN_DELAY", cfg.CheckinDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.CheckinDispatchBatch, err = intFromEnv("CHECKIN_DISPATCH_BATCH", cfg.CheckinDispatchBatch)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIMaxTokens, err = intFromEnv("OPENAI_MAX_TOKENS", cfg.OpenAIMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTTL < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_TTL must be at least 5s")
	}
	if cfg.ContextTurnsPerParty <= 0 {
		return Config{}, fmt.Errorf("CONTEXT_TURNS_LIMIT must be positive")
	}
	if cfg.PipelineWorkers <= 0 {
		return Config{}, fmt.Errorf("PIPELINE_WORKERS must be positive")
	}
	if cfg.StageAttempts <= 0 {
		return Config{}, fmt.Errorf("PIPELINE_STAGE_ATTEMPTS must be positive")
	}
	if cfg.MoodThreshold < 1 || cfg.MoodThreshold > 10 {
		return Config{}, fmt.Errorf("MOOD_NEGATIVE_THRESHOLD must be within [1,10]")
	}
	switch cfg.CheckinChannel {
	case "sms", "call":
	default:
		return Config{}, fmt.Errorf("CHECKIN_CHANNEL must be sms or call")
	}

	return cfg, nil
}

// WindowCapacity is the total size of the ephemeral turn window: the
// configured per-party limit covers both the user and the agent.
func (c Config) WindowCapacity() int {
	return c.ContextTurnsPerParty * 2
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
