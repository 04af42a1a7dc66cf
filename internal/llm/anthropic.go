package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/schema"

	"github.com/avvvet/bookbuddy-intent/internal/memory"
	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/prompts"
)

// ModelResolver resolves intents by prompting a chat model directly.
type ModelResolver struct {
	model   llms.Model
	clock   clockwork.Clock
	timeout time.Duration
	logger  zerolog.Logger
}

func NewModelResolver(model llms.Model, clock clockwork.Clock, timeout time.Duration, logger zerolog.Logger) *ModelResolver {
	return &ModelResolver{
		model:   model,
		clock:   clock,
		timeout: timeout,
		logger:  logger.With().Str("component", "model_resolver").Logger(),
	}
}

// NewAnthropicResolver builds a ModelResolver backed by Anthropic.
func NewAnthropicResolver(apiKey, model string, clock clockwork.Clock, timeout time.Duration, logger zerolog.Logger) (*ModelResolver, error) {
	client, err := anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic client: %w", err)
	}
	return NewModelResolver(client, clock, timeout, logger), nil
}

func (r *ModelResolver) Resolve(ctx context.Context, req Request) (*models.Intent, error) {
	loc := location(req.Timezone)
	summary, err := memory.Summarize(TrimHistory(req.RecentHistory, MaxHistory))
	if err != nil {
		return nil, malformed(fmt.Errorf("failed to summarize history: %w", err))
	}

	system := prompts.BuildIntentPrompt(prompts.IntentPrompt{
		Timezone:       loc.String(),
		Now:            r.clock.Now().In(loc),
		HistorySummary: summary,
	})

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.model.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeSystem, system),
			llms.TextParts(schema.ChatMessageTypeHuman, req.Command),
		},
		llms.WithTemperature(0.1),
		llms.WithMaxTokens(1000),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, unavailable("timed out after %s", r.timeout)
		}
		return nil, unavailable("model call failed: %v", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, malformed(fmt.Errorf("%w: model returned no choices", models.ErrMalformedResponse))
	}

	intent, err := prompts.ParseLLMResponse(resp.Choices[0].Content)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("failed to parse model response")
		return nil, malformed(err)
	}
	return intent, nil
}
