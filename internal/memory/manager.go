package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/schema"

	"github.com/avvvet/bookbuddy-intent/internal/metrics"
	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/scheduler"
)

// Options bounds every user's history.
type Options struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultOptions keeps ten entries for thirty minutes.
func DefaultOptions() Options {
	return Options{MaxEntries: 10, TTL: 30 * time.Minute}
}

// Manager is the conversation context store: a bounded, time-limited,
// per-user history of resolved intents.
type Manager struct {
	store   Store
	clock   clockwork.Clock
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewManager creates a new context manager over store
func NewManager(store Store, clock clockwork.Clock, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Manager {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultOptions().MaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions().TTL
	}
	return &Manager{
		store:   store,
		clock:   clock,
		opts:    opts,
		logger:  logger.With().Str("component", "memory").Logger(),
		metrics: m,
	}
}

// Append stores a copy of entry at the tail of userID's history, evicting
// the oldest entry beyond MaxEntries.
func (m *Manager) Append(ctx context.Context, userID string, entry models.ContextEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.clock.Now()
	}
	entry.Params = entry.Params.Clone()

	if err := m.store.Append(ctx, userID, entry, m.opts.MaxEntries); err != nil {
		return err
	}

	m.logger.Debug().
		Str("user_id", userID).
		Str("action", string(entry.Action)).
		Msg("context entry appended")
	return nil
}

// Recent returns the last n live entries, oldest first.
func (m *Manager) Recent(ctx context.Context, userID string, n int) ([]models.ContextEntry, error) {
	entries, err := m.store.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	cutoff := m.clock.Now().Add(-m.opts.TTL)
	live := make([]models.ContextEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			live = append(live, e)
		}
	}

	if n > 0 && len(live) > n {
		live = live[len(live)-n:]
	}
	// callers get their own params; stored entries never change
	for i := range live {
		if live[i].Params != nil {
			live[i].Params = live[i].Params.Clone()
		}
	}
	return live, nil
}

// Sweep removes entries older than the TTL for every user.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	removed, err := m.store.Prune(ctx, m.clock.Now().Add(-m.opts.TTL))
	if err != nil {
		return removed, fmt.Errorf("failed to sweep context: %w", err)
	}
	m.metrics.AddSwept(removed)
	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("🧹 swept expired context entries")
	}
	return removed, nil
}

// Schedule registers the periodic sweep on s.
func (m *Manager) Schedule(s *scheduler.Scheduler, spec string) (string, error) {
	return s.Every("context-sweep", spec, func(ctx context.Context) {
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.Error().Err(err).Msg("context sweep failed")
		}
	})
}

// Clear drops userID's history.
func (m *Manager) Clear(ctx context.Context, userID string) error {
	return m.store.Clear(ctx, userID)
}

// ActiveUsers returns how many users hold history.
func (m *Manager) ActiveUsers(ctx context.Context) (int, error) {
	users, err := m.store.Users(ctx)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

// Close closes the underlying store
func (m *Manager) Close() error {
	if closer, ok := m.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Summarize renders entries as a compact User/Assistant transcript for
// inclusion in resolver prompts.
func Summarize(entries []models.ContextEntry) (string, error) {
	if len(entries) == 0 {
		return "No previous conversation.", nil
	}

	messages := make([]schema.ChatMessage, 0, len(entries)*2)
	for _, e := range entries {
		messages = append(messages,
			schema.HumanChatMessage{Content: e.Command},
			schema.AIChatMessage{Content: describeEntry(e)},
		)
	}
	return schema.GetBufferString(messages, "User", "Assistant")
}

func describeEntry(e models.ContextEntry) string {
	var b strings.Builder
	b.WriteString(string(e.Action))
	if params := FormatParams(e.Params); params != "" {
		b.WriteString(" {")
		b.WriteString(params)
		b.WriteString("}")
	}
	if e.Response != "" {
		b.WriteString(" - ")
		b.WriteString(e.Response)
	}
	return b.String()
}

// FormatParams renders params as sorted key=value pairs.
func FormatParams(p models.Params) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, ", ")
}
