package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/avvvet/bookbuddy-intent/internal/memory"
	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/prompts"
)

const maxResponseBytes = 1 << 20

// HTTPResolver calls the external intent-parsing endpoint.
type HTTPResolver struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  zerolog.Logger
}

type resolveRequest struct {
	Command        string                `json:"command"`
	UserID         string                `json:"userId"`
	Timezone       string                `json:"timezone"`
	RecentHistory  []models.ContextEntry `json:"recentHistory"`
	HistorySummary string                `json:"historySummary"`
}

// NewHTTPResolver posts to baseURL + "/parse".
func NewHTTPResolver(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPResolver {
	return &HTTPResolver{
		url:     baseURL + "/parse",
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "remote_resolver").Logger(),
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, req Request) (*models.Intent, error) {
	history := TrimHistory(req.RecentHistory, MaxHistory)
	if history == nil {
		history = []models.ContextEntry{}
	}
	summary, err := memory.Summarize(history)
	if err != nil {
		return nil, malformed(fmt.Errorf("failed to summarize history: %w", err))
	}

	body, err := json.Marshal(resolveRequest{
		Command:        req.Command,
		UserID:         req.UserID,
		Timezone:       req.Timezone,
		RecentHistory:  history,
		HistorySummary: summary,
	})
	if err != nil {
		return nil, malformed(fmt.Errorf("failed to marshal request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, unavailable("failed to build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, unavailable("timed out after %s", r.timeout)
		}
		return nil, unavailable("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unavailable("unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, unavailable("failed to read response: %v", err)
	}

	intent, err := prompts.ParseLLMResponse(string(raw))
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("remote resolver returned malformed response")
		return nil, malformed(err)
	}

	r.logger.Debug().
		Str("user_id", req.UserID).
		Str("action", string(intent.Action)).
		Int("history", len(history)).
		Msg("remote intent resolved")
	return intent, nil
}
