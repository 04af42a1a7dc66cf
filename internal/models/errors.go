package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrParse marks a command the pattern resolver could not classify.
	ErrParse = errors.New("command could not be classified")
	// ErrResolverUnavailable marks an unreachable or disconnected remote resolver.
	ErrResolverUnavailable = errors.New("remote resolver unavailable")
	// ErrMalformedResponse marks a resolver reply that does not decode to an intent.
	ErrMalformedResponse = errors.New("malformed resolver response")
	// ErrSettingsInvariant rejects settings that disable both resolvers.
	ErrSettingsInvariant = errors.New("at least one of useSimpleNLP or useLLM must stay enabled")
	// ErrNotAuthenticated guards every command path.
	ErrNotAuthenticated = errors.New("session is not authenticated")
	// ErrRetryLimit is returned once a command exhausted its attempts.
	ErrRetryLimit = errors.New("retry limit reached, resubmit the command")
	// ErrNoFailedCommand is returned by retry when nothing failed.
	ErrNoFailedCommand = errors.New("no failed command to retry")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrProcessorClosed is returned when submitting to a stopped processor.
	ErrProcessorClosed = errors.New("command processor is closed")
)

// ResolverError wraps a resolver-level failure. These are recovered by the
// fallback cascade and only surface when every alternative is exhausted.
type ResolverError struct {
	Resolver ResolverKind
	Err      error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("%s resolver: %v", e.Resolver, e.Err)
}

func (e *ResolverError) Unwrap() error { return e.Err }

// ValidationError reports an intent missing required parameters. It is
// informational: the processor turns it into a clarification prompt.
type ValidationError struct {
	Action  Action
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is missing %s", e.Action, strings.Join(e.Missing, ", "))
}

// ExecutionError wraps a failed booking API call. It is never retried
// automatically because booking writes are not idempotent.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("booking api %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsResolverError reports whether err belongs to the recoverable resolver class.
func IsResolverError(err error) bool {
	var re *ResolverError
	return errors.As(err, &re)
}

// Error codes
const (
	ErrorParseError        = "PARSE_ERROR"
	ErrorNotAuthenticated  = "NOT_AUTHENTICATED"
	ErrorSettingsInvariant = "SETTINGS_INVARIANT"
	ErrorExecutionFailed   = "EXECUTION_FAILED"
	ErrorResolverFailed    = "RESOLVER_FAILED"
	ErrorRetryLimit        = "RETRY_LIMIT"
	ErrorSessionNotFound   = "SESSION_NOT_FOUND"
	ErrorLoginFailed       = "LOGIN_FAILED"
	ErrorInternal          = "INTERNAL"
)

// ErrorCode classifies err into one of the transport error codes.
func ErrorCode(err error) string {
	var (
		exec *ExecutionError
		res  *ResolverError
	)
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return ErrorNotAuthenticated
	case errors.Is(err, ErrSettingsInvariant):
		return ErrorSettingsInvariant
	case errors.Is(err, ErrRetryLimit), errors.Is(err, ErrNoFailedCommand):
		return ErrorRetryLimit
	case errors.Is(err, ErrSessionNotFound):
		return ErrorSessionNotFound
	case errors.As(err, &exec):
		return ErrorExecutionFailed
	case errors.As(err, &res):
		return ErrorResolverFailed
	case errors.Is(err, ErrParse):
		return ErrorParseError
	default:
		return ErrorInternal
	}
}
