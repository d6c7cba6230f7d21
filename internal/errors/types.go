package errors

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide whether to degrade, retry
// or surface the error to the user.
type Kind int

const (
	// KindValidation - bad or missing required plan/input fields, rejected
	// before any run is created.
	KindValidation Kind = iota
	// KindResolution - unresolvable agent or task references. Callers are
	// expected to degrade to a fallback agent rather than fail the run.
	KindResolution
	// KindPlanning - planning oracle call or schema-repair failure.
	KindPlanning
	// KindExecution - the execution engine raised.
	KindExecution
	// KindTimeout - a pending question exceeded its deadline.
	KindTimeout
	// KindPersistence - document store write failure; logged, never aborts
	// the in-memory flow.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResolution:
		return "resolution"
	case KindPlanning:
		return "planning"
	case KindExecution:
		return "execution"
	case KindTimeout:
		return "timeout"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error carries a failure classification alongside the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification from err, defaulting to KindExecution.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindExecution
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind == kind
	}
	return false
}
