package extension

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateExtension     = errors.New("extension already registered")
	ErrNotFound               = errors.New("extension not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrCircularDependency     = errors.New("circular dependency")
	ErrInvalidModule          = errors.New("invalid module")
	ErrMissingDependency      = errors.New("missing dependency")
)

// LoadCode classifies a load failure.
type LoadCode string

const (
	CodeNotFound      LoadCode = "NOT_FOUND"
	CodeResolveFailed LoadCode = "RESOLVE_FAILED"
	CodeInvalidModule LoadCode = "INVALID_MODULE"
)

// LoadError is returned when an extension's module cannot be imported.
type LoadError struct {
	ID   string
	Code LoadCode
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.ID, e.Code, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ActivationError is returned when an extension, or one of its required
// dependencies, fails to activate.
type ActivationError struct {
	ID  string
	Err error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate %s: %v", e.ID, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// DeactivationError records a failing deactivate hook. It is logged, never
// returned from Deactivate.
type DeactivationError struct {
	ID  string
	Err error
}

func (e *DeactivationError) Error() string {
	return fmt.Sprintf("deactivate %s: %v", e.ID, e.Err)
}

func (e *DeactivationError) Unwrap() error { return e.Err }

// DisposalError records one failing disposer. Index is the subscription's
// position in the context.
type DisposalError struct {
	ID    string
	Index int
	Err   error
}

func (e *DisposalError) Error() string {
	return fmt.Sprintf("dispose %s subscription %d: %v", e.ID, e.Index, e.Err)
}

func (e *DisposalError) Unwrap() error { return e.Err }

// CircularDependencyError names one participant of a dependency cycle.
// Path, when known, lists the cycle starting and ending at the same id.
type CircularDependencyError struct {
	ID   string
	Path []string
}

func (e *CircularDependencyError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("circular dependency involving extension %q (%s)", e.ID, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("circular dependency involving extension %q", e.ID)
}

func (e *CircularDependencyError) Unwrap() error { return ErrCircularDependency }

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
