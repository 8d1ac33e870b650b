// Package flow provides the workflow engine driver loop: definition
// validation, execution context reconstruction, node selection, retry and
// parallel fan-out handling, all coordinated through the lock and store
// packages so that any instance is driven by at most one engine at a time.
package flow

import (
	"errors"
	"fmt"
)

// ErrInvalidRetryPolicy indicates a retry policy violating its constraints.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// ErrDefinitionNotFound indicates the instance references a workflow
// definition the engine does not know.
var ErrDefinitionNotFound = errors.New("workflow definition not found")

// ErrInstanceBusy indicates the instance lock is held by another engine.
// Contention is normal in a pool; callers back off or move on.
var ErrInstanceBusy = errors.New("instance lock held by another engine")

// ErrMutexBusy indicates the instance's semantic mutex key is held, meaning
// another instance of the same class of work is already running.
var ErrMutexBusy = errors.New("workflow mutex key held by another instance")

// EngineError represents a structured engine-level error with an optional
// machine-readable code.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NodeError wraps a node execution failure with its position in the run.
type NodeError struct {
	NodeKey string
	Attempt int
	Err     error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (attempt %d): %v", e.NodeKey, e.Attempt, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}
