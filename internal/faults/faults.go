// Package faults classifies protocol errors. A precondition failure is the caller's
// problem (wrong time, wrong state, missing role); an invariant violation means the
// arithmetic or state would become inconsistent. Both abort the whole call.
package faults

import "errors"

var (
	// ErrPrecondition is the class of caller-visible refusals.
	ErrPrecondition = errors.New("precondition failure")
	// ErrInvariant is the class of fatal consistency errors.
	ErrInvariant = errors.New("invariant violation")
)

type classified struct {
	class error
	msg   string
}

func (e *classified) Error() string { return e.msg }

func (e *classified) Is(target error) bool { return target == e.class }

// Precondition returns a sentinel that matches itself and ErrPrecondition.
func Precondition(msg string) error {
	return &classified{class: ErrPrecondition, msg: msg}
}

// Invariant returns a sentinel that matches itself and ErrInvariant.
func Invariant(msg string) error {
	return &classified{class: ErrInvariant, msg: msg}
}

// IsPrecondition reports whether err belongs to the precondition class.
func IsPrecondition(err error) bool { return errors.Is(err, ErrPrecondition) }

// IsInvariant reports whether err belongs to the invariant class.
func IsInvariant(err error) bool { return errors.Is(err, ErrInvariant) }
