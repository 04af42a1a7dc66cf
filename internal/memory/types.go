package memory

import (
	"context"
	"time"

	"github.com/avvvet/bookbuddy-intent/internal/models"
)

// Store defines the interface for conversation context storage.
// This allows us to swap between Redis and in-memory storage.
// Entries are immutable once appended: stores only push, trim and drop.
type Store interface {
	// Append pushes entry to the tail of a user's history, keeping at most max entries
	Append(ctx context.Context, userID string, entry models.ContextEntry, max int) error

	// List returns a user's entries, oldest first
	List(ctx context.Context, userID string) ([]models.ContextEntry, error)

	// Prune drops every entry older than cutoff across all users
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	// Clear removes a user's history
	Clear(ctx context.Context, userID string) error

	// Users returns the users that currently hold history
	Users(ctx context.Context) ([]string, error)
}
