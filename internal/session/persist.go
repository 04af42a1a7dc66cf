package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avvvet/bookbuddy-intent/internal/models"
)

const sessionKeyPrefix = "session:"

// Stored is the durable part of a session: what a restarted client needs
// to resume without logging in again.
type Stored struct {
	Token    string          `json:"token"`
	User     models.User     `json:"user"`
	Settings models.Settings `json:"settings"`
	Timezone string          `json:"timezone"`
}

// Persister stores session auth and settings. Load returns nil, nil when
// nothing is stored for the session.
type Persister interface {
	Load(ctx context.Context, sessionID string) (*Stored, error)
	Save(ctx context.Context, sessionID string, s Stored) error
	SaveSettings(ctx context.Context, sessionID string, settings models.Settings) error
	Clear(ctx context.Context, sessionID string) error
}

// RedisPersister keeps one hash per session
type RedisPersister struct {
	client *redis.Client
	ttl    time.Duration // zero keeps sessions until logout
}

func NewRedisPersister(client *redis.Client, ttl time.Duration) *RedisPersister {
	return &RedisPersister{client: client, ttl: ttl}
}

func (r *RedisPersister) key(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

func (r *RedisPersister) Load(ctx context.Context, sessionID string) (*Stored, error) {
	fields, err := r.client.HGetAll(ctx, r.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if len(fields) == 0 || fields["token"] == "" {
		return nil, nil
	}

	s := &Stored{Token: fields["token"], Timezone: fields["timezone"], Settings: models.DefaultSettings()}
	if raw := fields["user"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.User); err != nil {
			return nil, fmt.Errorf("failed to parse stored user: %w", err)
		}
	}
	if raw := fields["settings"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Settings); err != nil {
			return nil, fmt.Errorf("failed to parse stored settings: %w", err)
		}
	}
	return s, nil
}

// Save replaces the whole hash in one MULTI/EXEC
func (r *RedisPersister) Save(ctx context.Context, sessionID string, s Stored) error {
	user, err := json.Marshal(s.User)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	key := r.key(sessionID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "token", s.Token, "user", user, "settings", settings, "timezone", s.Timezone)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// SaveSettings only touches an existing session hash
func (r *RedisPersister) SaveSettings(ctx context.Context, sessionID string, settings models.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	key := r.key(sessionID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("no stored session %s", sessionID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "settings", data)
			if r.ttl > 0 {
				pipe.Expire(ctx, key, r.ttl)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (r *RedisPersister) Clear(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// MemoryPersister keeps sessions in process memory.
type MemoryPersister struct {
	mu       sync.Mutex
	sessions map[string]Stored
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{sessions: make(map[string]Stored)}
}

func (m *MemoryPersister) Load(_ context.Context, sessionID string) (*Stored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryPersister) Save(_ context.Context, sessionID string, s Stored) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = s
	return nil
}

func (m *MemoryPersister) SaveSettings(_ context.Context, sessionID string, settings models.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("no stored session %s", sessionID)
	}
	s.Settings = settings
	m.sessions[sessionID] = s
	return nil
}

func (m *MemoryPersister) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}
