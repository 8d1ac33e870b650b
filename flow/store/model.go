package store

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

// Instance lifecycle states. Completed, Failed, and Canceled are terminal:
// once reached, only audit fields may change.
const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCanceled  InstanceStatus = "canceled"
)

// Terminal reports whether the status permits no further state transitions.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCanceled
}

// NodeStatus is the lifecycle state of a single task node execution record.
type NodeStatus string

// Task node lifecycle states. A node moves pending -> running -> completed or
// failed; running may re-enter pending for a retry while retry_count is below
// max_retries. Completed and skipped are terminal.
const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the node status satisfies downstream dependencies
// or closes the record for good.
//
// Failed is terminal here in the dependency sense: a failed node with retries
// remaining is re-queued by the engine as a fresh pending transition, so a
// row observed as failed is final for that attempt.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// Satisfied reports whether the status counts as a satisfied dependency for
// downstream nodes. Skipped counts; failed does not.
func (s NodeStatus) Satisfied() bool {
	return s == NodeCompleted || s == NodeSkipped
}

// WorkflowInstance is one execution of a workflow definition.
//
// Mutated only by the engine or the recovery service. The optional MutexKey
// identifies a semantic class of work (e.g. "full-sync:2024-2025-1") that
// must not run twice concurrently, independent of the per-instance lock.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion int            `json:"definition_version"`
	Status            InstanceStatus `json:"status"`

	// Input is the original payload the instance was created with.
	Input map[string]any `json:"input"`

	// ContextData is the free-form variable bag accumulated during execution.
	ContextData map[string]any `json:"context_data"`

	// CurrentNode is the key of the most recently persisted node.
	CurrentNode string `json:"current_node"`

	CompletedNodes []string `json:"completed_nodes"`
	FailedNodes    []string `json:"failed_nodes"`

	// MutexKey is the caller-supplied semantic mutual-exclusion key.
	// Empty when the instance needs only its per-instance lock.
	MutexKey string `json:"mutex_key,omitempty"`

	// OwnerEngine records which engine instance last drove this instance.
	// Read by the affinity assignment strategy.
	OwnerEngine string `json:"owner_engine,omitempty"`

	// LastError is the diagnostic recorded when the instance failed.
	LastError string `json:"last_error,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// TaskNode is the persisted execution record of one step within an instance.
//
// For dynamically fanned-out nodes, N runtime records share one definition
// node key and a ParallelGroupID, distinguished by ParallelIndex.
type TaskNode struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	NodeKey    string     `json:"node_key"`
	Status     NodeStatus `json:"status"`

	// DependsOn is the dependency snapshot taken from the definition when
	// the record was created, so incomplete-node queries need no join back
	// to the definition source.
	DependsOn []string `json:"depends_on,omitempty"`

	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	ParallelGroupID string `json:"parallel_group_id,omitempty"`
	ParallelIndex   int    `json:"parallel_index"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Retryable reports whether the node may be re-queued after a failure.
func (n *TaskNode) Retryable() bool {
	return n.RetryCount < n.MaxRetries
}
