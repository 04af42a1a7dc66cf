package processor

import (
	"github.com/avvvet/bookbuddy-intent/internal/fsm"
)

// Path names the execution branch a command took.
type Path string

const (
	PathNone    Path = ""
	PathBuiltin Path = "builtin"
	PathDirect  Path = "direct"
	PathNLP     Path = "nlp"
	PathLLM     Path = "llm"
)

func pathOf(s fsm.State) Path {
	switch s {
	case StateExecutingBuiltin:
		return PathBuiltin
	case StateExecutingDirect:
		return PathDirect
	case StateExecutingNLP:
		return PathNLP
	case StateExecutingLLM:
		return PathLLM
	default:
		return PathNone
	}
}

// Classification is the parsing-stage verdict on a command.
type Classification struct {
	Builtin bool
	Direct  bool
}

// Route picks the event fired from the routing state. Built-ins and direct
// commands bypass the resolvers. Otherwise the preferred resolver is the one
// whose guard holds; when neither does, the pattern resolver is used as a
// degraded route, which the EXECUTE_NLP guard still has to admit.
func Route(c Classification, s Snapshot) fsm.Event {
	switch {
	case c.Builtin:
		return EventExecuteBuiltin
	case c.Direct:
		return EventExecuteDirectAPI
	case ShouldUseNLP(s):
		return EventExecuteNLP
	case ShouldUseLLM(s):
		return EventExecuteLLM
	default:
		return EventExecuteNLP
	}
}

// FallbackCoordinator decides where the fallback state goes next.
type FallbackCoordinator struct{}

// Next returns the EXECUTE_* event for the first alternate resolver that is
// enabled, healthy and not yet tried for this attempt. ok is false when none
// qualifies and the attempt must end in error.
func (FallbackCoordinator) Next(s Snapshot) (ev fsm.Event, ok bool) {
	switch {
	case llmAvailable(s):
		return EventExecuteLLM, true
	case nlpAvailable(s):
		return EventExecuteNLP, true
	default:
		return EventExecutionError, false
	}
}
