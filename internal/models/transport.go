package models

import "time"

// LoginRequest opens (or restores) a session for an operator.
type LoginRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Timezone  string `json:"timezone,omitempty"`
	Demo      bool   `json:"demo,omitempty"`
}

// SessionRequest addresses an existing session (logout, retry, state).
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// CommandRequest carries one line of operator text.
type CommandRequest struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

// SettingsRequest replaces the resolver settings of a session.
type SettingsRequest struct {
	SessionID string   `json:"session_id"`
	Settings  Settings `json:"settings"`
}

// SessionResponse describes a session after login, logout or a settings change.
type SessionResponse struct {
	SessionID      string          `json:"session_id"`
	User           *User           `json:"user,omitempty"`
	Settings       Settings        `json:"settings"`
	SessionState   string          `json:"session_state"`
	ProcessorState string          `json:"processor_state,omitempty"`
	Health         *ResolverHealth `json:"health,omitempty"`
	ErrorCode      *string         `json:"error_code,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
}

// CommandResponse is the reply to a submitted or retried command.
type CommandResponse struct {
	SessionID    string  `json:"session_id"`
	CommandID    string  `json:"command_id"`
	Status       string  `json:"status"` // "OK", "NEEDS_INFO", "ERROR"
	Action       *Action `json:"action,omitempty"`
	Params       Params  `json:"params,omitempty"`
	Path         string  `json:"path,omitempty"`
	State        string  `json:"state"`
	Attempts     int     `json:"attempts"`
	UserMessage  string  `json:"user_message"`
	Data         any     `json:"data,omitempty"`
	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// Event is published for every state-machine transition and health change.
type Event struct {
	SessionID string    `json:"session_id,omitempty"`
	Machine   string    `json:"machine"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Event     string    `json:"event"`
	Actions   []string  `json:"actions,omitempty"`
	At        time.Time `json:"at"`
}

// Status constants
const (
	StatusOK        = "OK"
	StatusNeedsInfo = "NEEDS_INFO"
	StatusError     = "ERROR"
)
