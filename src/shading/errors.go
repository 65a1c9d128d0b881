package shading

import (
	"errors"
	"fmt"
)

// Kind classifies why an evaluation failed.
type Kind int

const (
	// KindGeneric is anything unexpected. Reported, never swallowed.
	KindGeneric Kind = iota
	// KindStartup means upstream data is not available yet. Retried on the next tick.
	KindStartup
	// KindCalculation means the geometry was fed inputs it cannot handle.
	KindCalculation
	// KindAuth is reserved for collaborators that need credentials.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindStartup:
		return "startup"
	case KindCalculation:
		return "calculation"
	case KindAuth:
		return "auth"
	default:
		return "generic"
	}
}

// Error is an evaluation failure tagged with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or KindGeneric if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// IsTransient reports whether err should simply be retried on the next scheduled tick.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindStartup
}
