package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Resolver modes
const (
	ResolverModeHTTP      = "http"
	ResolverModeAnthropic = "anthropic"
)

// DefaultContextualPhrases are commands that only make sense against earlier turns.
var DefaultContextualPhrases = []string{
	"book it",
	"reserve it",
	"book that",
	"that room",
	"this room",
	"same room",
	"same time",
	"that time",
	"the same",
	"cancel it",
	"cancel that",
	"do it",
	"instead",
}

type Config struct {
	// NATS configuration
	NatsURL           string
	NatsSubjectPrefix string
	NatsTimeout       time.Duration

	// HTTP configuration
	HTTPAddr string

	// Redis configuration
	RedisURL string

	// Conversation context
	ContextMaxEntries    int
	ContextTTL           time.Duration
	ContextSweepSchedule string
	RecentHistorySize    int

	// Session registry
	SessionIdleTimeout   time.Duration
	SessionEvictSchedule string

	// Remote resolver configuration
	ResolverMode    string
	ResolverURL     string
	ResolverTimeout time.Duration
	HealthURL       string
	HealthInterval  time.Duration
	HealthTimeout   time.Duration

	// Anthropic configuration
	AnthropicAPIKey string
	AnthropicModel  string

	// Booking API configuration
	BookingAPIURL  string
	BookingTimeout time.Duration

	// Routing configuration
	ConfidenceThreshold float64
	ContextualPhrases   []string
	MaxAttempts         int
	CommandQueueSize    int
	DefaultTimezone     string

	// Service configuration
	ServiceName string
	LogLevel    string
	LogFormat   string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		// NATS settings
		NatsURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		NatsSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "bookbuddy"),
		NatsTimeout:       getDurationEnv("NATS_TIMEOUT", 30*time.Second),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// Context settings
		ContextMaxEntries:    getIntEnv("CONTEXT_MAX_ENTRIES", 10),
		ContextTTL:           getDurationEnv("CONTEXT_TTL", 30*time.Minute),
		ContextSweepSchedule: getEnv("CONTEXT_SWEEP_SCHEDULE", "@every 15m"),
		RecentHistorySize:    getIntEnv("RECENT_HISTORY_SIZE", 3),

		// Session settings
		SessionIdleTimeout:   getDurationEnv("SESSION_IDLE_TIMEOUT", 2*time.Hour),
		SessionEvictSchedule: getEnv("SESSION_EVICT_SCHEDULE", "@every 10m"),

		// Resolver settings
		ResolverMode:    strings.ToLower(getEnv("RESOLVER_MODE", ResolverModeHTTP)),
		ResolverURL:     strings.TrimRight(getEnv("RESOLVER_URL", ""), "/"),
		ResolverTimeout: getDurationEnv("RESOLVER_TIMEOUT", 12*time.Second),
		HealthURL:       getEnv("RESOLVER_HEALTH_URL", ""),
		HealthInterval:  getDurationEnv("HEALTH_INTERVAL", 5*time.Second),
		HealthTimeout:   getDurationEnv("HEALTH_TIMEOUT", 3*time.Second),

		// Anthropic settings
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),

		// Booking settings
		BookingAPIURL:  strings.TrimRight(getEnv("BOOKING_API_URL", "http://localhost:3000/api"), "/"),
		BookingTimeout: getDurationEnv("BOOKING_TIMEOUT", 10*time.Second),

		// Routing settings
		ConfidenceThreshold: getFloatEnv("CONFIDENCE_THRESHOLD", 0.8),
		ContextualPhrases:   getListEnv("CONTEXTUAL_PHRASES", DefaultContextualPhrases),
		MaxAttempts:         getIntEnv("MAX_ATTEMPTS", 3),
		CommandQueueSize:    getIntEnv("COMMAND_QUEUE_SIZE", 32),
		DefaultTimezone:     getEnv("DEFAULT_TIMEZONE", "UTC"),

		// Service settings
		ServiceName: getEnv("SERVICE_NAME", "bookbuddy-intent"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),
	}

	if cfg.HealthURL == "" && cfg.ResolverURL != "" {
		cfg.HealthURL = cfg.ResolverURL + "/health"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and mode-dependent requirements.
func (c *Config) Validate() error {
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be in (0,1], got %v", c.ConfidenceThreshold)
	}
	if c.ContextMaxEntries <= 0 || c.RecentHistorySize <= 0 || c.MaxAttempts <= 0 || c.CommandQueueSize <= 0 {
		return fmt.Errorf("CONTEXT_MAX_ENTRIES, RECENT_HISTORY_SIZE, MAX_ATTEMPTS and COMMAND_QUEUE_SIZE must be positive")
	}
	if c.ContextTTL <= 0 || c.HealthInterval <= 0 || c.ResolverTimeout <= 0 || c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("CONTEXT_TTL, HEALTH_INTERVAL, RESOLVER_TIMEOUT and SESSION_IDLE_TIMEOUT must be positive")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", c.DefaultTimezone, err)
	}

	switch c.ResolverMode {
	case ResolverModeHTTP:
		if c.ResolverURL == "" {
			return fmt.Errorf("RESOLVER_URL is required when RESOLVER_MODE=http")
		}
	case ResolverModeAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when RESOLVER_MODE=anthropic")
		}
	default:
		return fmt.Errorf("unsupported RESOLVER_MODE: %s", c.ResolverMode)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
