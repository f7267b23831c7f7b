package archicad

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories surfaced to callers.
// Every failure that crosses a package boundary is one of these — raw
// transport or interpreter errors never leak through unclassified.
type ErrorKind string

const (
	// KindUnreachable — no instance responded at the resolved address.
	KindUnreachable ErrorKind = "unreachable"

	// KindTimeout — a deadline expired, either for a single dispatcher
	// call or for the whole script.
	KindTimeout ErrorKind = "timeout"

	// KindRejected — the instance returned an application-level error for
	// a well-formed request.
	KindRejected ErrorKind = "rejected"

	// KindMalformed — the response could not be parsed.
	KindMalformed ErrorKind = "malformed"

	// KindPolicyDenied — a filesystem action was blocked by the path policy.
	KindPolicyDenied ErrorKind = "policy_denied"

	// KindDisallowed — the script attempted a capability that is not part
	// of its restricted namespace.
	KindDisallowed ErrorKind = "disallowed_operation"

	// KindScriptFault — an uncaught logic error inside the script itself.
	KindScriptFault ErrorKind = "script_fault"
)

// Error is the structured error carried across every boundary in this
// package. Suggestion is a hard requirement, not a diagnostic nicety: the
// caller is typically an AI agent that acts on it.
type Error struct {
	Kind       ErrorKind
	Message    string
	Details    map[string]any
	Suggestion string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates an Error with the given kind, message, and suggestion.
func NewError(kind ErrorKind, message, suggestion string) *Error {
	return &Error{Kind: kind, Message: message, Suggestion: suggestion}
}

// WithDetail attaches a named context value and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the ErrorKind from err, or KindScriptFault when err is not
// a structured Error (an unclassified fault is, by definition, a fault).
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindScriptFault
}

// AsError returns the structured Error inside err, or nil.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}
