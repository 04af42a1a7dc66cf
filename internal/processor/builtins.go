package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/avvvet/bookbuddy-intent/internal/memory"
	"github.com/avvvet/bookbuddy-intent/internal/nlp"
)

type builtinFunc func(ctx context.Context, p *Processor, command string) (string, any, error)

const helpText = `Commands:
  rooms                         list meeting rooms
  my bookings                   list your bookings
  check <room> <day> at <time>  check availability
  book <room> <day> at <time>   create a booking ("for 30 minutes" sets the length)
  cancel booking <id>           cancel one booking
  cancel all bookings           cancel every booking
  history                       show recent commands
  clear                         forget the conversation
  status                        show resolver settings and health
Follow-ups such as "book it" or "same time tomorrow" use the recent conversation.`

var builtins = map[string]builtinFunc{
	"help":    builtinHelp,
	"?":       builtinHelp,
	"clear":   builtinClear,
	"history": builtinHistory,
	"status":  builtinStatus,
}

func lookupBuiltin(norm string, parsed nlp.ParsedIntent) (builtinFunc, bool) {
	if fn, ok := builtins[norm]; ok {
		return fn, true
	}
	if parsed.Type == nlp.TypeGreeting {
		return builtinGreeting, true
	}
	return nil, false
}

func builtinHelp(context.Context, *Processor, string) (string, any, error) {
	return helpText, nil, nil
}

func builtinGreeting(_ context.Context, _ *Processor, command string) (string, any, error) {
	return nlp.Greeting(command), nil, nil
}

func builtinClear(ctx context.Context, p *Processor, _ string) (string, any, error) {
	if err := p.memory.Clear(ctx, p.userID); err != nil {
		return "", nil, fmt.Errorf("failed to clear history: %w", err)
	}
	return "Conversation history cleared.", nil, nil
}

func builtinHistory(ctx context.Context, p *Processor, _ string) (string, any, error) {
	entries, err := p.memory.Recent(ctx, p.userID, 0)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) == 0 {
		return "No recent commands.", entries, nil
	}

	var b strings.Builder
	b.WriteString("Recent commands:")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n  %s  %s -> %s", e.Timestamp.In(p.location).Format("15:04"), e.Command, e.Action)
		if params := memory.FormatParams(e.Params); params != "" {
			fmt.Fprintf(&b, " {%s}", params)
		}
	}
	return b.String(), entries, nil
}

func builtinStatus(_ context.Context, p *Processor, _ string) (string, any, error) {
	settings := p.settings()
	health := p.Health()
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	msg := fmt.Sprintf("Simple NLP: %s\nAI resolver: %s (%s)", onOff(settings.UseSimpleNLP), onOff(settings.UseLLM), health.Status)
	return msg, map[string]any{"settings": settings, "health": health}, nil
}
