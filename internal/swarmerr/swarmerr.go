// Package swarmerr defines the error taxonomy shared by every swarmmail
// component. Each kind maps to a stable CLI exit code so wrappers can
// script against failures without parsing messages.
package swarmerr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel targets for errors.Is checks. The typed errors below all
// implement Is against one of these.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrState      = errors.New("invalid state")
	ErrProjection = errors.New("projection error")
	ErrIO         = errors.New("io error")
)

// Exit codes for CLI wrappers.
const (
	ExitOK         = 0
	ExitGeneric    = 1
	ExitValidation = 2
	ExitConflict   = 3
	ExitNotFound   = 4
	ExitProjection = 5
)

// ValidationError reports malformed input or a rule violation. Issues
// holds one entry per violated rule when several apply.
type ValidationError struct {
	Op     string
	Msg    string
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) > 0 {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Msg, strings.Join(e.Issues, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing entity by kind and id.
type NotFoundError struct {
	Op   string
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %q not found", e.Op, e.Kind, e.ID)
}
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports reservation conflicts, dependency cycles,
// ambiguous ids, and unique-key collisions. Exactly one of the
// detail slices is populated depending on the conflict flavor.
type ConflictError struct {
	Op         string
	Msg        string
	Holders    []string // reservation conflicts: competing agents
	CyclePath  []string // cycle attempts: A -> B -> ... -> A
	Candidates []string // ambiguous id resolution: matching ids
}

func (e *ConflictError) Error() string {
	switch {
	case len(e.CyclePath) > 0:
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Msg, strings.Join(e.CyclePath, " -> "))
	case len(e.Holders) > 0:
		return fmt.Sprintf("%s: %s (held by %s)", e.Op, e.Msg, strings.Join(e.Holders, ", "))
	case len(e.Candidates) > 0:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Msg, strings.Join(e.Candidates, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// StateError reports an operation that is invalid in the entity's
// current state, such as reviewing a tombstoned cell.
type StateError struct {
	Op    string
	Msg   string
	State string
}

func (e *StateError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("%s: %s (state %s)", e.Op, e.Msg, e.State)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}
func (e *StateError) Is(target error) bool { return target == ErrState }

// ProjectionError wraps a projector handler failure. The append
// transaction that carried the event aborts, so callers must treat the
// append as not having happened.
type ProjectionError struct {
	EventType string
	EventID   string
	Err       error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projecting %s event %s: %v", e.EventType, e.EventID, e.Err)
}
func (e *ProjectionError) Unwrap() error        { return e.Err }
func (e *ProjectionError) Is(target error) bool { return target == ErrProjection }

// IOError wraps database, filesystem, and provider failures. Path is
// set when a file or database path is involved.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}
func (e *IOError) Unwrap() error        { return e.Err }
func (e *IOError) Is(target error) bool { return target == ErrIO }

// IsNotFound reports whether err is a NotFoundError anywhere in its chain.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a ConflictError anywhere in its chain.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsValidation reports whether err is a ValidationError anywhere in its chain.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// ExitCode maps an error to the CLI exit code contract: 0 success,
// 1 generic, 2 validation, 3 conflict, 4 not-found, 5 projection/IO.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrState):
		return ExitValidation
	case errors.Is(err, ErrConflict):
		return ExitConflict
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	case errors.Is(err, ErrProjection), errors.Is(err, ErrIO):
		return ExitProjection
	default:
		return ExitGeneric
	}
}
