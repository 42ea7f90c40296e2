// Package errors defines the structured error taxonomy shared by the
// compilation lifecycle, the registry, and the HTTP surface.
//
// Each error category carries enough context to be rendered both as a log
// line and as an HTTP response: invalid entries map to client errors,
// build failures carry the compiler's diagnostics, and state errors flag
// caller bugs that must not be retried.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// InvalidEntryError reports an entry path that is not absolute. Entry
// validation happens before any build is attempted, so an InvalidEntryError
// guarantees no compiler resources were allocated.
type InvalidEntryError struct {
	Entry string
}

// Error implements the error interface.
func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("entry path is not absolute: %q", e.Entry)
}

// NewInvalidEntryError creates an error for a non-absolute entry path.
func NewInvalidEntryError(entry string) *InvalidEntryError {
	return &InvalidEntryError{Entry: entry}
}

// BuildError reports a failed build attempt. Diagnostics holds the
// compiler's formatted messages, one per reported problem. The owning
// compilation stays active with its previous manifest untouched, so the
// caller may retry with another build.
type BuildError struct {
	Diagnostics []string
	Cause       error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if len(e.Diagnostics) > 0 {
		return fmt.Sprintf("build failed: %s", strings.Join(e.Diagnostics, "; "))
	}
	if e.Cause != nil {
		return fmt.Sprintf("build failed: %v", e.Cause)
	}
	return "build failed"
}

// Unwrap returns the underlying cause, if any.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// NewBuildError creates a build failure error from compiler diagnostics.
func NewBuildError(diagnostics []string, cause error) *BuildError {
	return &BuildError{Diagnostics: diagnostics, Cause: cause}
}

// IllegalStateError reports an operation invoked on a compilation whose
// state forbids it, such as compiling or disposing an already-disposed
// compilation. It indicates an integration bug in the caller.
type IllegalStateError struct {
	Op    string
	State string
}

// Error implements the error interface.
func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("cannot %s: compilation is %s", e.Op, e.State)
}

// NewIllegalStateError creates a state violation error.
func NewIllegalStateError(op, state string) *IllegalStateError {
	return &IllegalStateError{Op: op, State: state}
}

// PreconditionError reports a server accessor used before the server was
// started, such as reading the server URL before Listen.
type PreconditionError struct {
	Op string
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s requires a started server", e.Op)
}

// NewPreconditionError creates a precondition error.
func NewPreconditionError(op string) *PreconditionError {
	return &PreconditionError{Op: op}
}

// IsInvalidEntry checks whether err is an entry validation failure.
func IsInvalidEntry(err error) bool {
	var target *InvalidEntryError
	return errors.As(err, &target)
}

// IsBuildError checks whether err is a compiler failure.
func IsBuildError(err error) bool {
	var target *BuildError
	return errors.As(err, &target)
}

// IsIllegalState checks whether err is a lifecycle state violation.
func IsIllegalState(err error) bool {
	var target *IllegalStateError
	return errors.As(err, &target)
}

// IsPrecondition checks whether err is a server precondition failure.
func IsPrecondition(err error) bool {
	var target *PreconditionError
	return errors.As(err, &target)
}
