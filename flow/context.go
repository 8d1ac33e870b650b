package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tessellate-io/flowline/flow/store"
)

// ExecContext is the variable bag a running instance evaluates expressions
// against and snapshots executor input from.
//
// Layout:
//   - "input": the instance's original input
//   - "nodes.<key>.output": persisted output of each satisfied node
//   - instance context_data keys merged at the top level (they win over
//     the base layout on key collision)
//
// Rebuilding this from the store after a crash yields a context functionally
// equivalent to the one in memory before the crash; that equivalence is what
// lets recovery resume without replaying completed nodes.
type ExecContext struct {
	data map[string]any
}

// NewExecContext creates an empty execution context.
func NewExecContext() *ExecContext {
	return &ExecContext{data: make(map[string]any)}
}

// BuildContext reconstructs the execution context for an instance from
// persisted state: the instance row plus its satisfied task nodes.
func BuildContext(ctx context.Context, st store.Store, instanceID string) (*ExecContext, error) {
	inst, err := st.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %s: %w", instanceID, err)
	}

	nodes, err := st.ListNodes(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes for instance %s: %w", instanceID, err)
	}
	return buildContextFrom(inst, nodes), nil
}

func buildContextFrom(inst *store.WorkflowInstance, nodes []*store.TaskNode) *ExecContext {
	ec := NewExecContext()

	ec.data["input"] = inst.Input

	nodeOutputs := make(map[string]any)
	for _, node := range nodes {
		if !node.Status.Satisfied() {
			continue
		}
		if node.ParallelGroupID != "" {
			// Fan-out children surface through the group's joined output,
			// persisted on the parent node when the group completes.
			continue
		}
		nodeOutputs[node.NodeKey] = map[string]any{"output": node.Output}
	}
	ec.data["nodes"] = nodeOutputs

	for k, v := range inst.ContextData {
		ec.data[k] = v
	}
	return ec
}

// Lookup resolves a dotted path against the context.
func (ec *ExecContext) Lookup(path string) (any, bool) {
	var current any = ec.data
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Set stores a top-level key.
func (ec *ExecContext) Set(key string, value any) {
	ec.data[key] = value
}

// SetNodeOutput records a node's output under "nodes.<key>.output".
func (ec *ExecContext) SetNodeOutput(nodeKey string, output map[string]any) {
	nodes, ok := ec.data["nodes"].(map[string]any)
	if !ok {
		nodes = make(map[string]any)
		ec.data["nodes"] = nodes
	}
	nodes[nodeKey] = map[string]any{"output": output}
}

// Snapshot returns a deep copy of the context data, safe to hand to an
// executor or persist as a patch.
func (ec *ExecContext) Snapshot() map[string]any {
	cp, err := deepCopyMap(ec.data)
	if err != nil {
		// The context only ever holds JSON-shaped data; a marshal failure
		// means an executor returned something unserializable, which the
		// dispatcher already rejects. Fall back to a shallow copy.
		cp = make(map[string]any, len(ec.data))
		for k, v := range ec.data {
			cp[k] = v
		}
	}
	return cp
}

func deepCopyMap(m map[string]any) (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
