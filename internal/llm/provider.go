// Package llm holds the remote intent resolvers: an HTTP client for the
// external AI-parsing endpoint and a langchaingo model resolver.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/avvvet/bookbuddy-intent/internal/models"
)

// MaxHistory bounds how many context entries accompany a request.
const MaxHistory = 3

// Resolver turns command text plus recent context into an intent. Every
// failure is returned as a *models.ResolverError.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (*models.Intent, error)
}

// Request is one resolution request.
type Request struct {
	Command       string
	UserID        string
	Timezone      string
	RecentHistory []models.ContextEntry
}

// TrimHistory returns at most the last n entries of history.
func TrimHistory(history []models.ContextEntry, n int) []models.ContextEntry {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func unavailable(format string, args ...any) error {
	return &models.ResolverError{
		Resolver: models.ResolverRemote,
		Err:      fmt.Errorf("%w: %s", models.ErrResolverUnavailable, fmt.Sprintf(format, args...)),
	}
}

func malformed(err error) error {
	return &models.ResolverError{Resolver: models.ResolverRemote, Err: err}
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
