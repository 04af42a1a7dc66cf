package session

import (
	"strings"

	"github.com/avvvet/bookbuddy-intent/internal/fsm"
)

// Session states. The authenticated.* states are substates of authenticated.
const (
	StateInitializing     fsm.State = "initializing"
	StateUnauthenticated  fsm.State = "unauthenticated"
	StateAuthenticating   fsm.State = "authenticating"
	StateReady            fsm.State = "authenticated.ready"
	StateDemoMode         fsm.State = "authenticated.demo_mode"
	StateUpdatingSettings fsm.State = "authenticated.updating_settings"
	StateError            fsm.State = "authenticated.error"
)

// Session events.
const (
	EventInitComplete      fsm.Event = "INIT_COMPLETE"
	EventRestoreSession    fsm.Event = "RESTORE_SESSION"
	EventLoginStart        fsm.Event = "LOGIN_START"
	EventLoginSuccess      fsm.Event = "LOGIN_SUCCESS"
	EventLoginFailure      fsm.Event = "LOGIN_FAILURE"
	EventLogout            fsm.Event = "LOGOUT"
	EventDemoLogin         fsm.Event = "DEMO_LOGIN"
	EventExitDemo          fsm.Event = "EXIT_DEMO"
	EventUpdateSettings    fsm.Event = "UPDATE_SETTINGS"
	EventSettingsValidated fsm.Event = "SETTINGS_VALIDATED"
	EventSettingsRejected  fsm.Event = "SETTINGS_REJECTED"
	EventSessionError      fsm.Event = "SESSION_ERROR"
	EventResetError        fsm.Event = "RESET_ERROR"
)

// Side effects attached to session transitions.
const (
	ActionPersistAuth    fsm.ActionID = "persistAuth"
	ActionClearAuth      fsm.ActionID = "clearAuth"
	ActionStartProcessor fsm.ActionID = "startProcessor"
	ActionStopProcessor  fsm.ActionID = "stopProcessor"
)

// authSnapshot is what session guards look at.
type authSnapshot struct {
	Demo bool
}

func isDemo(s authSnapshot) bool  { return s.Demo }
func notDemo(s authSnapshot) bool { return !s.Demo }

// Authenticated reports whether s is one of the authenticated substates.
func Authenticated(s fsm.State) bool {
	return strings.HasPrefix(string(s), "authenticated.")
}

func newTable() *fsm.Table[authSnapshot] {
	type tr = fsm.Transition[authSnapshot]
	demo := fsm.When("isDemo", isDemo)
	nonDemo := fsm.When("notDemo", notDemo)

	rows := []tr{
		{From: StateInitializing, Event: EventInitComplete, To: StateUnauthenticated},
		{From: StateInitializing, Event: EventRestoreSession, To: StateReady, Actions: []fsm.ActionID{ActionStartProcessor}},

		{From: StateUnauthenticated, Event: EventLoginStart, To: StateAuthenticating},
		{From: StateAuthenticating, Event: EventLoginSuccess, To: StateReady,
			Actions: []fsm.ActionID{ActionPersistAuth, ActionStartProcessor}},
		{From: StateAuthenticating, Event: EventLoginFailure, To: StateUnauthenticated},

		{From: StateUnauthenticated, Event: EventDemoLogin, To: StateDemoMode, Actions: []fsm.ActionID{ActionStartProcessor}},
		{From: StateDemoMode, Event: EventExitDemo, To: StateUnauthenticated, Actions: []fsm.ActionID{ActionStopProcessor}},

		{From: StateReady, Event: EventUpdateSettings, To: StateUpdatingSettings},
		{From: StateDemoMode, Event: EventUpdateSettings, To: StateUpdatingSettings},
		{From: StateUpdatingSettings, Event: EventSettingsValidated, To: StateReady, Guard: nonDemo},
		{From: StateUpdatingSettings, Event: EventSettingsValidated, To: StateDemoMode, Guard: demo},
		{From: StateUpdatingSettings, Event: EventSettingsRejected, To: StateReady, Guard: nonDemo},
		{From: StateUpdatingSettings, Event: EventSettingsRejected, To: StateDemoMode, Guard: demo},

		{From: StateReady, Event: EventSessionError, To: StateError},
		{From: StateDemoMode, Event: EventSessionError, To: StateError},
		{From: StateError, Event: EventResetError, To: StateReady, Guard: nonDemo},
		{From: StateError, Event: EventResetError, To: StateDemoMode, Guard: demo},
	}

	// LOGOUT is accepted from every authenticated substate.
	for _, from := range []fsm.State{StateReady, StateUpdatingSettings, StateError} {
		rows = append(rows, tr{From: from, Event: EventLogout, To: StateUnauthenticated,
			Actions: []fsm.ActionID{ActionClearAuth, ActionStopProcessor}})
	}
	rows = append(rows, tr{From: StateDemoMode, Event: EventLogout, To: StateUnauthenticated,
		Actions: []fsm.ActionID{ActionStopProcessor}})

	return fsm.NewTable(rows...)
}
