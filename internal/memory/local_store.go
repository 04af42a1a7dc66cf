package memory

import (
	"context"
	"sync"
	"time"

	"github.com/avvvet/bookbuddy-intent/internal/models"
)

// LocalStore keeps histories in process memory. Used by tests and by
// single-process deployments without Redis.
type LocalStore struct {
	mu    sync.Mutex
	users map[string][]models.ContextEntry
}

func NewLocalStore() *LocalStore {
	return &LocalStore{users: make(map[string][]models.ContextEntry)}
}

func (s *LocalStore) Append(_ context.Context, userID string, entry models.ContextEntry, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.users[userID], entry)
	if over := len(entries) - max; over > 0 {
		entries = append([]models.ContextEntry(nil), entries[over:]...)
	}
	s.users[userID] = entries
	return nil
}

func (s *LocalStore) List(_ context.Context, userID string) ([]models.ContextEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]models.ContextEntry, len(s.users[userID]))
	for i, e := range s.users[userID] {
		if e.Params != nil {
			e.Params = e.Params.Clone()
		}
		entries[i] = e
	}
	return entries, nil
}

func (s *LocalStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for userID, entries := range s.users {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.users, userID)
		} else {
			s.users[userID] = kept
		}
	}
	return removed, nil
}

func (s *LocalStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	return nil
}

func (s *LocalStore) Users(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.users))
	for userID := range s.users {
		users = append(users, userID)
	}
	return users, nil
}
