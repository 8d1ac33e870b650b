// Package store provides the durable workflow state model: workflow
// instances, per-node execution records, and the query primitives the
// engine, recovery service, and scheduler depend on.
//
// The store is the single source of truth for "what has already happened".
// All cross-engine coordination goes through the lock package; the store is
// the only mutable resource touched by multiple engines concurrently.
//
// Implementations:
//   - MemStore: in-memory, for tests and prototyping
//   - SQLiteStore: single-file database via modernc.org/sqlite
//   - MySQLStore: production relational backend via go-sql-driver/mysql
//   - PostgresStore: production relational backend via jackc/pgx
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested instance or node does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when a mutation targets an instance already in a
// terminal state. Terminal instances are immutable except audit fields.
var ErrTerminal = errors.New("instance is in a terminal state")

// CompletedStep describes the node-level outcome applied atomically together
// with the instance bookkeeping by CompleteNode.
type CompletedStep struct {
	// Node carries the terminal node record (status, output, error,
	// timestamps already set by the caller).
	Node *TaskNode

	// ContextPatch is merged into the instance's context data.
	ContextPatch map[string]any

	// AdvanceCurrent, when true, moves the instance's current-node pointer
	// to the node's key.
	AdvanceCurrent bool
}

// Store is the workflow state store contract.
//
// Mutations that touch an instance and one of its nodes in the same logical
// step go through CompleteNode so that a crash between the two writes cannot
// leave them disagreeing.
type Store interface {
	// CreateInstance persists a new workflow instance. The instance ID must
	// be unique; Created/Updated/heartbeat timestamps are set by the store
	// if zero.
	CreateInstance(ctx context.Context, inst *WorkflowInstance) error

	// GetInstance loads an instance by id. Returns ErrNotFound if absent.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// UpdateInstance persists the full mutable state of an instance.
	// Returns ErrTerminal if the stored instance is already terminal.
	UpdateInstance(ctx context.Context, inst *WorkflowInstance) error

	// UpdateInstanceStatus transitions an instance's status and records a
	// diagnostic. Returns ErrTerminal if the stored instance is terminal.
	UpdateInstanceStatus(ctx context.Context, id string, status InstanceStatus, lastError string) error

	// TouchHeartbeat refreshes the instance's last-heartbeat timestamp.
	TouchHeartbeat(ctx context.Context, id string) error

	// FindStaleRunningInstances returns instances with status running whose
	// last heartbeat is strictly older than the threshold. An instance aged
	// exactly at or under the threshold is never returned.
	FindStaleRunningInstances(ctx context.Context, threshold time.Duration) ([]*WorkflowInstance, error)

	// CreateNode persists a new task node record.
	CreateNode(ctx context.Context, node *TaskNode) error

	// CreateNodes persists a batch of task nodes atomically. Used for
	// dynamic parallel fan-out where N records are allocated at once.
	CreateNodes(ctx context.Context, nodes []*TaskNode) error

	// GetNode loads a node record by id. Returns ErrNotFound if absent.
	GetNode(ctx context.Context, id string) (*TaskNode, error)

	// UpdateNode persists the full mutable state of a node record.
	UpdateNode(ctx context.Context, node *TaskNode) error

	// ListNodes returns all node records for an instance, ordered by
	// creation.
	ListNodes(ctx context.Context, instanceID string) ([]*TaskNode, error)

	// ListNodesByGroup returns the fan-out children sharing a parallel
	// group id, ordered by parallel index.
	ListNodesByGroup(ctx context.Context, instanceID, groupID string) ([]*TaskNode, error)

	// FindIncompleteNodes returns the instance's nodes not yet in a
	// terminal state, with their dependency snapshots.
	FindIncompleteNodes(ctx context.Context, instanceID string) ([]*TaskNode, error)

	// CompleteNode applies a node's terminal outcome and the matching
	// instance bookkeeping (context merge, completed/failed lists, current
	// node pointer, heartbeat) in a single transaction.
	CompleteNode(ctx context.Context, instanceID string, step CompletedStep) error

	// Close releases the store's resources.
	Close() error
}

// mergeContext overlays patch onto dst, returning dst. Later keys win; a nil
// dst is allocated. Shared by all Store implementations.
func mergeContext(dst, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		dst[k] = v
	}
	return dst
}

// appendUnique appends key to list if not already present.
func appendUnique(list []string, key string) []string {
	for _, k := range list {
		if k == key {
			return list
		}
	}
	return append(list, key)
}

// execer abstracts *sql.DB and *sql.Tx so SQL-backed stores can run the same
// statements inside and outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// unmarshalInstanceFields decodes the JSON-encoded columns of an instance row.
func unmarshalInstanceFields(inst *WorkflowInstance, input, contextData, completed, failed []byte) error {
	if err := json.Unmarshal(input, &inst.Input); err != nil {
		return fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if err := json.Unmarshal(contextData, &inst.ContextData); err != nil {
		return fmt.Errorf("failed to unmarshal context data: %w", err)
	}
	if err := json.Unmarshal(completed, &inst.CompletedNodes); err != nil {
		return fmt.Errorf("failed to unmarshal completed nodes: %w", err)
	}
	if err := json.Unmarshal(failed, &inst.FailedNodes); err != nil {
		return fmt.Errorf("failed to unmarshal failed nodes: %w", err)
	}
	return nil
}

// unmarshalNodeFields decodes the JSON-encoded columns of a task node row.
// Nullable input/output columns decode as nil maps.
func unmarshalNodeFields(node *TaskNode, dependsOn, input, output []byte) error {
	if err := json.Unmarshal(dependsOn, &node.DependsOn); err != nil {
		return fmt.Errorf("failed to unmarshal depends_on: %w", err)
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &node.Input); err != nil {
			return fmt.Errorf("failed to unmarshal node input: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &node.Output); err != nil {
			return fmt.Errorf("failed to unmarshal node output: %w", err)
		}
	}
	return nil
}
