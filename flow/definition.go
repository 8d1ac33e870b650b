package flow

import (
	"fmt"
	"time"
)

// NodeKind distinguishes how the engine drives a node.
type NodeKind string

const (
	// KindTask is a single executor invocation.
	KindTask NodeKind = "task"

	// KindParallel fans out over a source-expression slice, one child task
	// node per item, joined under the node's JoinPolicy.
	KindParallel NodeKind = "parallel"

	// KindConditional is a task whose condition is expected to gate
	// branches; mechanically identical to a task with a condition.
	KindConditional NodeKind = "conditional"
)

// JoinPolicy decides the outcome of a parallel group from its children.
type JoinPolicy string

const (
	// JoinAll requires every child to succeed.
	JoinAll JoinPolicy = "all"

	// JoinAny succeeds if at least one child succeeds.
	JoinAny JoinPolicy = "any"

	// JoinBestEffort always succeeds and reports partial results.
	JoinBestEffort JoinPolicy = "best-effort"
)

// RetryPolicy defines automatic retry configuration for node failures.
//
// When a node execution fails, the policy determines how many attempts are
// allowed and how long to wait before the next one. Exponential backoff with
// jitter avoids synchronized retry storms across parallel children.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Zero means a single attempt.
	MaxRetries int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration
}

// Validate checks the policy's constraints.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxRetries < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// NodeDefinition describes one node of a workflow template.
type NodeDefinition struct {
	// Key uniquely identifies the node within its definition.
	Key string `json:"key"`

	// Kind selects task, parallel, or conditional driving.
	Kind NodeKind `json:"kind"`

	// Capability names the registered executor to invoke.
	Capability string `json:"capability"`

	// Config is static input merged into the executor payload.
	Config map[string]any `json:"config,omitempty"`

	// DependsOn lists node keys that must be satisfied (completed or
	// skipped) before this node becomes eligible.
	DependsOn []string `json:"depends_on,omitempty"`

	// Condition is an optional boolean expression against the execution
	// context. False marks the node skipped instead of running it.
	Condition string `json:"condition,omitempty"`

	// Source is the context expression a parallel node fans out over; it
	// must resolve to a slice at run time. Required for KindParallel.
	Source string `json:"source,omitempty"`

	// MaxConcurrency bounds concurrent children of a parallel node.
	// Zero or negative falls back to the engine's default bound.
	MaxConcurrency int `json:"max_concurrency,omitempty"`

	// Join selects the parallel group's join policy. Defaults to JoinAll.
	Join JoinPolicy `json:"join,omitempty"`

	// Retry configures per-node retry behavior.
	Retry RetryPolicy `json:"retry"`

	// NonFatal lets the instance continue past this node when its retries
	// are exhausted instead of failing the whole run.
	NonFatal bool `json:"non_fatal,omitempty"`
}

// WorkflowDefinition is an immutable workflow template.
//
// Definitions are authored externally; the engine only reads them. Validate
// must pass before any instance of the definition is started.
type WorkflowDefinition struct {
	Name    string           `json:"name"`
	Version int              `json:"version"`
	Nodes   []NodeDefinition `json:"nodes"`
}

// Node returns the definition of the given node key.
func (d *WorkflowDefinition) Node(key string) (*NodeDefinition, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Key == key {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// CapabilityChecker reports whether an executor capability is registered.
// Satisfied by exec.Registry.
type CapabilityChecker interface {
	Has(name string) bool
}

// Validate rejects malformed definitions before anything runs: duplicate or
// empty node keys, unknown dependencies, dependency cycles, parallel nodes
// without a source expression, unparsable condition or source expressions,
// invalid retry policies, and (when caps is non-nil) unknown capabilities.
func (d *WorkflowDefinition) Validate(caps CapabilityChecker) error {
	if d.Name == "" {
		return &EngineError{Message: "workflow definition name cannot be empty", Code: "invalid_definition"}
	}
	if len(d.Nodes) == 0 {
		return &EngineError{Message: "workflow definition has no nodes", Code: "invalid_definition"}
	}

	keys := make(map[string]bool, len(d.Nodes))
	for i := range d.Nodes {
		node := &d.Nodes[i]
		if node.Key == "" {
			return &EngineError{Message: "node key cannot be empty", Code: "invalid_definition"}
		}
		if keys[node.Key] {
			return &EngineError{
				Message: fmt.Sprintf("duplicate node key %q", node.Key),
				Code:    "invalid_definition",
			}
		}
		keys[node.Key] = true
	}

	for i := range d.Nodes {
		node := &d.Nodes[i]

		switch node.Kind {
		case KindTask, KindParallel, KindConditional:
		default:
			return &EngineError{
				Message: fmt.Sprintf("node %q has unknown kind %q", node.Key, node.Kind),
				Code:    "invalid_definition",
			}
		}

		if node.Capability == "" {
			return &EngineError{
				Message: fmt.Sprintf("node %q has no capability", node.Key),
				Code:    "invalid_definition",
			}
		}
		if caps != nil && !caps.Has(node.Capability) {
			return &EngineError{
				Message: fmt.Sprintf("node %q references unregistered capability %q", node.Key, node.Capability),
				Code:    "unknown_capability",
			}
		}

		for _, dep := range node.DependsOn {
			if dep == node.Key {
				return &EngineError{
					Message: fmt.Sprintf("node %q depends on itself", node.Key),
					Code:    "invalid_definition",
				}
			}
			if !keys[dep] {
				return &EngineError{
					Message: fmt.Sprintf("node %q depends on unknown node %q", node.Key, dep),
					Code:    "invalid_definition",
				}
			}
		}

		if node.Condition != "" {
			if _, err := ParseCondition(node.Condition); err != nil {
				return &EngineError{
					Message: fmt.Sprintf("node %q has invalid condition: %v", node.Key, err),
					Code:    "invalid_expression",
				}
			}
		}

		if node.Kind == KindParallel {
			if node.Source == "" {
				return &EngineError{
					Message: fmt.Sprintf("parallel node %q has no source expression", node.Key),
					Code:    "invalid_definition",
				}
			}
			if err := ValidatePath(node.Source); err != nil {
				return &EngineError{
					Message: fmt.Sprintf("parallel node %q has invalid source: %v", node.Key, err),
					Code:    "invalid_expression",
				}
			}
			switch node.Join {
			case "", JoinAll, JoinAny, JoinBestEffort:
			default:
				return &EngineError{
					Message: fmt.Sprintf("parallel node %q has unknown join policy %q", node.Key, node.Join),
					Code:    "invalid_definition",
				}
			}
		}

		if err := node.Retry.Validate(); err != nil {
			return &EngineError{
				Message: fmt.Sprintf("node %q: %v", node.Key, err),
				Code:    "invalid_definition",
			}
		}
	}

	return d.checkAcyclic()
}

// checkAcyclic rejects dependency cycles via three-color depth-first search.
func (d *WorkflowDefinition) checkAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(d.Nodes))
	deps := make(map[string][]string, len(d.Nodes))
	for i := range d.Nodes {
		deps[d.Nodes[i].Key] = d.Nodes[i].DependsOn
	}

	var visit func(key string) error
	visit = func(key string) error {
		switch state[key] {
		case visiting:
			return &EngineError{
				Message: fmt.Sprintf("dependency cycle involving node %q", key),
				Code:    "invalid_definition",
			}
		case done:
			return nil
		}
		state[key] = visiting
		for _, dep := range deps[key] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[key] = done
		return nil
	}

	for i := range d.Nodes {
		if err := visit(d.Nodes[i].Key); err != nil {
			return err
		}
	}
	return nil
}

// joinOrDefault resolves the effective join policy.
func (n *NodeDefinition) joinOrDefault() JoinPolicy {
	if n.Join == "" {
		return JoinAll
	}
	return n.Join
}
