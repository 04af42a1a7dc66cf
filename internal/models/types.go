package models

import (
	"maps"
	"time"
)

// Action is the closed vocabulary an Intent resolves to.
type Action string

const (
	ActionGetRooms          Action = "getRooms"
	ActionGetBookings       Action = "getBookings"
	ActionCheckAvailability Action = "checkAvailability"
	ActionCreateBooking     Action = "createBooking"
	ActionCancelBooking     Action = "cancelBooking"
	ActionCancelAllBookings Action = "cancelAllBookings"
	ActionNeedsMoreInfo     Action = "needsMoreInfo"
	ActionUnknown           Action = "unknown"
)

// AllActions returns every member of the closed action set.
func AllActions() []Action {
	return []Action{
		ActionGetRooms,
		ActionGetBookings,
		ActionCheckAvailability,
		ActionCreateBooking,
		ActionCancelBooking,
		ActionCancelAllBookings,
		ActionNeedsMoreInfo,
		ActionUnknown,
	}
}

// IsValid reports whether a belongs to the closed action set.
func (a Action) IsValid() bool {
	for _, valid := range AllActions() {
		if a == valid {
			return true
		}
	}
	return false
}

// ParseAction maps free text coming from a resolver onto the closed set.
// Anything unrecognised becomes ActionUnknown, never an empty action.
func ParseAction(s string) Action {
	a := Action(s)
	if a.IsValid() {
		return a
	}
	return ActionUnknown
}

// ResolverKind identifies which strategy produced an Intent.
type ResolverKind string

const (
	ResolverBuiltin ResolverKind = "builtin"
	ResolverDirect  ResolverKind = "direct"
	ResolverPattern ResolverKind = "pattern"
	ResolverRemote  ResolverKind = "remote"
)

// Params carries resolved intent parameters (roomName, startTime, duration, bookingId...).
type Params map[string]any

// Clone returns a shallow copy so stored entries never alias caller maps.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	return maps.Clone(p)
}

// String returns the string value of key, or "" when absent or not a string.
func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Intent is the structured result of resolving command text.
type Intent struct {
	Action         Action       `json:"action"`
	Params         Params       `json:"params"`
	Confidence     float64      `json:"confidence,omitempty"`
	SourceResolver ResolverKind `json:"source_resolver"`
	ResponseText   string       `json:"response_text,omitempty"`
}

// ContextEntry is one remembered command and the intent it resolved to.
type ContextEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Action    Action    `json:"action"`
	Params    Params    `json:"params"`
	Response  string    `json:"response,omitempty"`
}

// NewContextEntry snapshots an intent into an immutable history entry.
func NewContextEntry(at time.Time, command string, intent *Intent, response string) ContextEntry {
	return ContextEntry{
		Timestamp: at,
		Command:   command,
		Action:    intent.Action,
		Params:    intent.Params.Clone(),
		Response:  response,
	}
}

// Settings selects which resolvers a session may use.
// At least one of the two must be enabled.
type Settings struct {
	UseSimpleNLP bool `json:"useSimpleNLP"`
	UseLLM       bool `json:"useLLM"`
}

// Validate enforces the at-least-one-resolver invariant.
func (s Settings) Validate() error {
	if !s.UseSimpleNLP && !s.UseLLM {
		return ErrSettingsInvariant
	}
	return nil
}

// DefaultSettings enables both resolvers.
func DefaultSettings() Settings {
	return Settings{UseSimpleNLP: true, UseLLM: true}
}

// HealthStatus is the last known reachability of the remote resolver.
type HealthStatus string

const (
	HealthConnected    HealthStatus = "connected"
	HealthDisconnected HealthStatus = "disconnected"
)

// ResolverHealth is owned by the health monitor and read-only elsewhere.
type ResolverHealth struct {
	Status      HealthStatus `json:"status"`
	LastChecked time.Time    `json:"last_checked"`
}

// Connected reports whether the remote resolver was reachable at the last probe.
func (h ResolverHealth) Connected() bool {
	return h.Status == HealthConnected
}

// User is the profile returned by the authentication backend.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}
