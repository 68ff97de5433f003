// Package engine implements the deployment orchestration core: failure
// classification over captured Terraform diagnostics, corrective recovery
// actions, bounded retry, and phase scheduling across stacks.
package engine

import (
	"errors"
	"fmt"
)

// FailureKind classifies how a stack execution ended up failing. The
// distinction matters for operators: an unclassified failure retains the
// original attempt's log, an exhausted one retains the last retried attempt's.
type FailureKind string

const (
	// FailureNone means the execution did not fail.
	FailureNone FailureKind = ""

	// FailureUnclassified means no recovery rule matched the captured log.
	// Surfaced immediately, never retried.
	FailureUnclassified FailureKind = "unclassified"

	// FailureExhausted means recovery rules matched but the shared attempt
	// budget ran out.
	FailureExhausted FailureKind = "exhausted"

	// FailureRecovery means the corrective step itself failed fatally.
	FailureRecovery FailureKind = "recovery_failed"

	// FailureSpawn means the external tool could not be started at all.
	FailureSpawn FailureKind = "spawn_error"
)

// ErrBootstrapRequired is returned when a plan run finds the shared stack
// without any outputs: downstream stacks would all fail on missing remote
// references, so the run is short-circuited instead.
var ErrBootstrapRequired = errors.New("shared stack has no outputs: bootstrap phase 1 (apply the shared stack) first")

// ErrRunFailed marks a completed run in which at least one stack failed. The
// summary carries the detail; callers translate this into a non-zero exit.
var ErrRunFailed = errors.New("one or more stacks failed")

// StackError is a stack execution failure annotated with its kind.
type StackError struct {
	Kind    FailureKind
	StackID string
	Err     error
}

func (e *StackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stack %s failed (%s): %v", e.StackID, e.Kind, e.Err)
	}
	return fmt.Sprintf("stack %s failed (%s)", e.StackID, e.Kind)
}

func (e *StackError) Unwrap() error {
	return e.Err
}

func newStackError(kind FailureKind, stackID string, err error) *StackError {
	return &StackError{Kind: kind, StackID: stackID, Err: err}
}
