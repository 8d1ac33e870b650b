package emit

// Event represents an observability event emitted during instance execution.
//
// Events provide detailed insight into engine behavior:
//   - Instance lifecycle (started, completed, failed, paused, canceled)
//   - Node execution start/complete/retry
//   - Lock acquisition, renewal loss
//   - Recovery reclaims
//
// Events are emitted to an Emitter which can log them, turn them into
// OpenTelemetry spans, buffer them for inspection, or drop them.
type Event struct {
	// InstanceID identifies the workflow instance that emitted this event.
	InstanceID string

	// NodeKey is the definition key of the node involved.
	// Empty for instance-level events.
	NodeKey string

	// NodeID is the task node execution record id, when one exists.
	NodeID string

	// Msg names the event; use the canonical constants below so emitters
	// and queries can match on it.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "attempt": retry attempt number
	//   - "owner": lock owner token
	//   - "engine": engine instance id
	Meta map[string]any
}

// Canonical event messages.
const (
	InstanceStarted   = "instance_started"
	InstanceCompleted = "instance_completed"
	InstanceFailed    = "instance_failed"
	InstancePaused    = "instance_paused"
	InstanceCanceled  = "instance_canceled"

	NodeStarted   = "node_started"
	NodeCompleted = "node_completed"
	NodeFailed    = "node_failed"
	NodeSkipped   = "node_skipped"
	NodeRetried   = "node_retried"

	LockAcquired      = "lock_acquired"
	LockLost          = "lock_lost"
	RecoveryReclaimed = "recovery_reclaimed"
)
