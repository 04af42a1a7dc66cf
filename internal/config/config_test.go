package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RESOLVER_URL", "http://resolver.local/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://resolver.local", cfg.ResolverURL)
	assert.Equal(t, "http://resolver.local/health", cfg.HealthURL)
	assert.Equal(t, 10, cfg.ContextMaxEntries)
	assert.Equal(t, 30*time.Minute, cfg.ContextTTL)
	assert.Equal(t, "@every 15m", cfg.ContextSweepSchedule)
	assert.Equal(t, 2*time.Hour, cfg.SessionIdleTimeout)
	assert.Equal(t, "@every 10m", cfg.SessionEvictSchedule)
	assert.Equal(t, 5*time.Second, cfg.HealthInterval)
	assert.Equal(t, 0.8, cfg.ConfidenceThreshold)
	assert.Equal(t, 3, cfg.RecentHistorySize)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, DefaultContextualPhrases, cfg.ContextualPhrases)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RESOLVER_MODE", "ANTHROPIC")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("CONFIDENCE_THRESHOLD", "0.65")
	t.Setenv("CONTEXTUAL_PHRASES", "Book It, that one ,")
	t.Setenv("HEALTH_INTERVAL", "10s")
	t.Setenv("MAX_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ResolverModeAnthropic, cfg.ResolverMode)
	assert.Equal(t, 0.65, cfg.ConfidenceThreshold)
	assert.Equal(t, []string{"book it", "that one"}, cfg.ContextualPhrases)
	assert.Equal(t, 10*time.Second, cfg.HealthInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"http mode without url", map[string]string{}},
		{"anthropic without key", map[string]string{"RESOLVER_MODE": "anthropic"}},
		{"unknown mode", map[string]string{"RESOLVER_MODE": "carrier-pigeon"}},
		{"threshold out of range", map[string]string{"RESOLVER_URL": "http://r", "CONFIDENCE_THRESHOLD": "1.5"}},
		{"zero history", map[string]string{"RESOLVER_URL": "http://r", "RECENT_HISTORY_SIZE": "0"}},
		{"zero idle timeout", map[string]string{"RESOLVER_URL": "http://r", "SESSION_IDLE_TIMEOUT": "0s"}},
		{"bad timezone", map[string]string{"RESOLVER_URL": "http://r", "DEFAULT_TIMEZONE": "Mars/Olympus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RESOLVER_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
