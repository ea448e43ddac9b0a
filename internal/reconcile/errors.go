package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated indicates a mutation was attempted with no current
	// user. Read-only reconciliation is never gated.
	ErrNotAuthenticated = errors.New("reconcile: not authenticated")
	// ErrUnknownEntity indicates an update or delete referenced an id the
	// store does not hold.
	ErrUnknownEntity = errors.New("reconcile: unknown entity")
	// ErrInvalidMutation indicates a malformed mutation request.
	ErrInvalidMutation = errors.New("reconcile: invalid mutation")
)

// Error is a coded engine failure.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

const (
	opEngineNew = "reconcile.engine.new"
	opMutate    = "reconcile.mutate"
	opResync    = "reconcile.resync"
)

func newError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &Error{code: code, err: cause}
}
