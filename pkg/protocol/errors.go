package protocol

import "fmt"

// ErrorKind is the stable classification tag carried by every error that
// leaves the engine. Subscribers can render errors without introspection.
type ErrorKind string

const (
	// KindValidation means malformed tool arguments. Recoverable by
	// worker self-correction.
	KindValidation ErrorKind = "validation"

	// KindPolicy means a sandbox or access policy was violated.
	// Recoverable: the model may choose another approach.
	KindPolicy ErrorKind = "policy"

	// KindRuntime means a tool crashed or timed out.
	KindRuntime ErrorKind = "runtime"

	// KindLimitExceeded means a worker budget was exhausted.
	KindLimitExceeded ErrorKind = "limit_exceeded"

	// KindInvariantViolated means engine state is broken (plan DAG,
	// seq gap, missing artifact). Non-recoverable.
	KindInvariantViolated ErrorKind = "invariant_violated"

	// KindStorage means the taskspace store is unavailable.
	KindStorage ErrorKind = "storage"

	// KindCancelled means the caller cancelled the operation. Not a failure.
	KindCancelled ErrorKind = "cancelled"

	// KindUpstream means the LLM provider failed (5xx, truncated stream).
	KindUpstream ErrorKind = "upstream"
)

// Recoverable reports whether a worker turn may catch this kind and feed it
// back into the model loop instead of terminating.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindValidation, KindPolicy, KindRuntime, KindUpstream:
		return true
	}
	return false
}

// Error is a structured engine error with a stable kind tag and a
// human-readable detail.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is matches errors by kind so callers can use errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Detail == "" || t.Detail == e.Detail)
}

// NewError creates an error with the given kind and formatted detail.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// AsError coerces any error into a structured *Error, defaulting the kind
// to runtime for untyped errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: KindRuntime, Detail: err.Error()}
}
