package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/avvvet/bookbuddy-intent/internal/models"
)

const SystemPrompt = `You are the command interpreter of BookBuddy, a meeting-room booking assistant. Your job is to turn one operator command into exactly one booking action.

IMPORTANT RULES:
1. Pick ONE action, the first one the command asks for
2. Use the recent conversation to resolve references such as "book it", "that room" or "same time"
3. Express every time as RFC3339 in the operator's timezone
4. If a required parameter is missing and cannot be taken from the conversation, use "needsMoreInfo" and ask for it in "response"
5. If the command is not about rooms or bookings, use "unknown"

RESPONSE FORMAT:
You must respond with a valid JSON object in this exact format:
{
  "action": "ACTION_NAME",
  "params": {
    "param_name": "value"
  },
  "response": "Short reply to the operator"
}

Available Actions:
%s
Operator timezone: %s
Current time: %s

Recent Conversation:
%s

Respond with the JSON format above only.`

const FallbackMessage = "I didn't understand that. Try \"rooms\", \"my bookings\" or \"book skagen tomorrow at 09:00\"."

// ActionSchema lists the parameters an action takes.
type ActionSchema struct {
	Action   models.Action
	Required []string
	Optional []string
}

// Actions is the schema advertised to the model.
var Actions = []ActionSchema{
	{Action: models.ActionGetRooms},
	{Action: models.ActionGetBookings},
	{Action: models.ActionCheckAvailability, Required: []string{"startTime"}, Optional: []string{"roomName", "duration"}},
	{Action: models.ActionCreateBooking, Required: []string{"roomName", "startTime"}, Optional: []string{"duration"}},
	{Action: models.ActionCancelBooking, Required: []string{"bookingId"}},
	{Action: models.ActionCancelAllBookings},
	{Action: models.ActionNeedsMoreInfo},
	{Action: models.ActionUnknown},
}

// IntentPrompt holds everything the system prompt is rendered from.
type IntentPrompt struct {
	Timezone       string
	Now            time.Time
	HistorySummary string
}

func BuildIntentPrompt(p IntentPrompt) string {
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	summary := p.HistorySummary
	if summary == "" {
		summary = "No previous conversation."
	}
	return fmt.Sprintf(SystemPrompt, buildActionsSection(Actions), tz, p.Now.Format(time.RFC3339), summary)
}

func buildActionsSection(actions []ActionSchema) string {
	var builder strings.Builder

	for _, action := range actions {
		builder.WriteString(fmt.Sprintf("- %s: requires [%s]", action.Action, strings.Join(action.Required, ", ")))
		if len(action.Optional) > 0 {
			builder.WriteString(fmt.Sprintf(" optional [%s]", strings.Join(action.Optional, ", ")))
		}
		builder.WriteString("\n")
	}

	return builder.String()
}

type llmIntent struct {
	Action     *string        `json:"action"`
	Params     map[string]any `json:"params"`
	Response   string         `json:"response"`
	Confidence float64        `json:"confidence"`
}

// ParseLLMResponse decodes a model reply into an intent. Surrounding prose is
// ignored; a reply without a JSON object or an action is malformed.
func ParseLLMResponse(content string) (*models.Intent, error) {
	jsonContent := extractJSON(content)
	if jsonContent == "" {
		return nil, fmt.Errorf("%w: no valid JSON found in response", models.ErrMalformedResponse)
	}

	var response llmIntent
	if err := json.Unmarshal([]byte(jsonContent), &response); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON: %v", models.ErrMalformedResponse, err)
	}
	if response.Action == nil || *response.Action == "" {
		return nil, fmt.Errorf("%w: action is missing", models.ErrMalformedResponse)
	}

	intent := &models.Intent{
		Action:         models.ParseAction(*response.Action),
		Params:         cleanParams(response.Params),
		Confidence:     response.Confidence,
		SourceResolver: models.ResolverRemote,
		ResponseText:   response.Response,
	}
	if intent.Action == models.ActionUnknown && intent.ResponseText == "" {
		intent.ResponseText = FallbackMessage
	}
	return intent, nil
}

// cleanParams drops null and empty values and normalises whole-number floats
// (JSON numbers) to ints so durations compare cleanly.
func cleanParams(in map[string]any) models.Params {
	out := models.Params{}
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			if val == "" {
				continue
			}
			out[k] = val
		case float64:
			if val == float64(int(val)) {
				out[k] = int(val)
			} else {
				out[k] = val
			}
		default:
			out[k] = val
		}
	}
	return out
}

func extractJSON(content string) string {
	// Look for JSON object in the content
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}

	end := strings.LastIndex(content, "}")
	if end == -1 || end <= start {
		return ""
	}

	return content[start : end+1]
}
