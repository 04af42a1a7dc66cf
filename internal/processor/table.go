package processor

import (
	"github.com/avvvet/bookbuddy-intent/internal/fsm"
	"github.com/avvvet/bookbuddy-intent/internal/models"
)

// Processing states.
const (
	StateIdle             fsm.State = "idle"
	StateParsing          fsm.State = "parsing"
	StateRouting          fsm.State = "routing"
	StateExecutingBuiltin fsm.State = "executing_builtin"
	StateExecutingDirect  fsm.State = "executing_direct"
	StateExecutingNLP     fsm.State = "executing_nlp"
	StateExecutingLLM     fsm.State = "executing_llm"
	StateFallback         fsm.State = "fallback"
	StateError            fsm.State = "error"
)

// Processor events.
const (
	EventProcessCommand   fsm.Event = "PROCESS_COMMAND"
	EventCommandParsed    fsm.Event = "COMMAND_PARSED"
	EventExecuteBuiltin   fsm.Event = "EXECUTE_BUILTIN"
	EventExecuteDirectAPI fsm.Event = "EXECUTE_DIRECT_API"
	EventExecuteNLP       fsm.Event = "EXECUTE_NLP"
	EventExecuteLLM       fsm.Event = "EXECUTE_LLM"
	EventExecutionSuccess fsm.Event = "EXECUTION_SUCCESS"
	EventExecutionError   fsm.Event = "EXECUTION_ERROR"
	EventRetryCommand     fsm.Event = "RETRY_COMMAND"
)

// Side effects attached to transitions.
const (
	ActionShowThinking   fsm.ActionID = "showThinking"
	ActionShowError      fsm.ActionID = "showError"
	ActionClearIndicator fsm.ActionID = "clearIndicator"
	ActionResetAttempts  fsm.ActionID = "resetAttempts"
	ActionIncrementRetry fsm.ActionID = "incrementRetry"
	ActionCountFailure   fsm.ActionID = "countFailure"
	ActionRecordContext  fsm.ActionID = "recordContext"
)

// Snapshot is everything the guards look at. It is rebuilt before every
// event so guards always see current settings and the last known health.
type Snapshot struct {
	Settings   models.Settings
	Health     models.ResolverHealth
	Threshold  float64
	Confidence float64
	Contextual bool

	// Recoverable is set when the last execution error came from a resolver.
	Recoverable bool
	TriedNLP    bool
	TriedLLM    bool

	Failures    int
	MaxAttempts int
}

// ShouldUseNLP: pattern resolver enabled, confident, and no contextual reference.
func ShouldUseNLP(s Snapshot) bool {
	return s.Settings.UseSimpleNLP && s.Confidence >= s.Threshold && !s.Contextual
}

// ShouldUseLLM: remote resolver enabled and the pattern result is not enough.
func ShouldUseLLM(s Snapshot) bool {
	return s.Settings.UseLLM && (s.Confidence < s.Threshold || s.Contextual || !s.Settings.UseSimpleNLP)
}

// nlpPermitted admits the pattern resolver as a degraded route when it is
// enabled and the remote resolver is not preferred.
func nlpPermitted(s Snapshot) bool {
	return ShouldUseNLP(s) || (s.Settings.UseSimpleNLP && !ShouldUseLLM(s))
}

func llmAvailable(s Snapshot) bool {
	return s.Settings.UseLLM && s.Health.Connected() && !s.TriedLLM
}

func nlpAvailable(s Snapshot) bool {
	return s.Settings.UseSimpleNLP && !s.TriedNLP
}

// CanFallbackToLLM: a pattern-resolver failure may escalate to a healthy remote resolver.
func CanFallbackToLLM(s Snapshot) bool {
	return s.Recoverable && llmAvailable(s)
}

// CanFallbackToNLP: a remote-resolver failure may degrade to the pattern resolver.
func CanFallbackToNLP(s Snapshot) bool {
	return s.Recoverable && nlpAvailable(s)
}

func retryAllowed(s Snapshot) bool {
	return s.Failures < s.MaxAttempts
}

// NewTable builds the command processor transition table.
func NewTable() *fsm.Table[Snapshot] {
	thinking := []fsm.ActionID{ActionShowThinking}
	done := []fsm.ActionID{ActionClearIndicator, ActionRecordContext}

	return fsm.NewTable(
		fsm.Transition[Snapshot]{From: StateIdle, Event: EventProcessCommand, To: StateParsing,
			Actions: []fsm.ActionID{ActionResetAttempts, ActionShowThinking}},
		fsm.Transition[Snapshot]{From: StateError, Event: EventProcessCommand, To: StateParsing,
			Actions: []fsm.ActionID{ActionResetAttempts, ActionShowThinking}},
		fsm.Transition[Snapshot]{From: StateParsing, Event: EventCommandParsed, To: StateRouting},

		fsm.Transition[Snapshot]{From: StateRouting, Event: EventExecuteBuiltin, To: StateExecutingBuiltin},
		fsm.Transition[Snapshot]{From: StateRouting, Event: EventExecuteDirectAPI, To: StateExecutingDirect, Actions: thinking},
		fsm.Transition[Snapshot]{From: StateRouting, Event: EventExecuteNLP, To: StateExecutingNLP,
			Guard: fsm.When("shouldUseNLP", nlpPermitted), Actions: thinking},
		fsm.Transition[Snapshot]{From: StateRouting, Event: EventExecuteLLM, To: StateExecutingLLM,
			Guard: fsm.When("shouldUseLLM", ShouldUseLLM), Actions: thinking},

		fsm.Transition[Snapshot]{From: StateExecutingNLP, Event: EventExecutionError, To: StateFallback,
			Guard: fsm.When("canFallbackToLLM", CanFallbackToLLM)},
		fsm.Transition[Snapshot]{From: StateExecutingLLM, Event: EventExecutionError, To: StateFallback,
			Guard: fsm.When("canFallbackToNLP", CanFallbackToNLP)},
		fsm.Transition[Snapshot]{From: StateFallback, Event: EventExecuteNLP, To: StateExecutingNLP,
			Guard: fsm.When("nlpAvailable", nlpAvailable), Actions: thinking},
		fsm.Transition[Snapshot]{From: StateFallback, Event: EventExecuteLLM, To: StateExecutingLLM,
			Guard: fsm.When("llmAvailable", llmAvailable), Actions: thinking},

		fsm.Transition[Snapshot]{From: StateExecutingBuiltin, Event: EventExecutionSuccess, To: StateIdle,
			Actions: []fsm.ActionID{ActionClearIndicator}},
		fsm.Transition[Snapshot]{From: StateExecutingDirect, Event: EventExecutionSuccess, To: StateIdle, Actions: done},
		fsm.Transition[Snapshot]{From: StateExecutingNLP, Event: EventExecutionSuccess, To: StateIdle, Actions: done},
		fsm.Transition[Snapshot]{From: StateExecutingLLM, Event: EventExecutionSuccess, To: StateIdle, Actions: done},

		// Any error that no fallback guard claims ends the attempt.
		fsm.Transition[Snapshot]{From: fsm.Any, Event: EventExecutionError, To: StateError,
			Actions: []fsm.ActionID{ActionCountFailure, ActionShowError}},

		fsm.Transition[Snapshot]{From: StateError, Event: EventRetryCommand, To: StateParsing,
			Guard: fsm.When("retryAllowed", retryAllowed), Actions: []fsm.ActionID{ActionIncrementRetry, ActionShowThinking}},
	)
}
