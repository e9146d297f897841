// Package fault defines the error taxonomy shared by the agent runtimes
// and the retry layer. Errors carry a kind, a structured context map, and
// a recovery hint instead of a bare string, so callers can branch on the
// failure class without parsing messages.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a runtime failure.
type Kind string

const (
	// ConfigInvalid marks a configuration error. Never retried.
	ConfigInvalid Kind = "config_invalid"
	// ConnectionFailure marks a failed connect or a missing executable.
	// Retried only at the reconnect layer, never per prompt.
	ConnectionFailure Kind = "connection_failure"
	// Timeout marks an exchange or startup that exceeded its deadline.
	// Partial output is preserved in the context map.
	Timeout Kind = "timeout"
	// ProcessCrash marks an unexpected process or channel loss. The
	// runtime demotes itself to the error state and needs re-initialization.
	ProcessCrash Kind = "process_crash"
	// RateLimited marks upstream throttling. Fatal at this layer; backoff
	// decisions belong to the caller.
	RateLimited Kind = "rate_limited"
	// MaxTurnsExceeded marks a turn-budget exhaustion. Distinct from a
	// generic failure: callers may retry with a larger budget.
	MaxTurnsExceeded Kind = "max_turns_exceeded"
	// RetryExhausted marks an operation that failed after its full
	// retry budget. The cause carries the per-attempt history.
	RetryExhausted Kind = "retry_exhausted"
	// NotReady marks an operation rejected because the runtime is not in
	// a state that accepts prompts. No I/O was performed.
	NotReady Kind = "not_ready"
)

// Error is a classified runtime failure.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Context map[string]any
	Cause   error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithHint attaches a recovery hint and returns the error for chaining.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithContext attaches one key/value pair to the context map.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf returns the kind of err, or "" if err carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is classified as the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
