package flow

import (
	"context"
	"reflect"
	"testing"

	"github.com/tessellate-io/flowline/flow/store"
)

func seedInstance(t *testing.T, st store.Store, id string) *store.WorkflowInstance {
	t.Helper()
	inst := &store.WorkflowInstance{
		ID:                id,
		DefinitionName:    "order-fulfillment",
		DefinitionVersion: 1,
		Status:            store.InstanceRunning,
		Input:             map[string]any{"order_id": "ord-99", "notify": true},
		ContextData:       map[string]any{"region": "eu-west"},
	}
	if err := st.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}
	return inst
}

func TestBuildContext_Layout(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	seedInstance(t, st, "wf-ctx")

	completed := &store.TaskNode{
		ID:         "n-1",
		InstanceID: "wf-ctx",
		NodeKey:    "validate",
		Status:     store.NodeCompleted,
		Output:     map[string]any{"items": []any{"a", "b"}},
	}
	pending := &store.TaskNode{
		ID:         "n-2",
		InstanceID: "wf-ctx",
		NodeKey:    "charge",
		Status:     store.NodePending,
	}
	child := &store.TaskNode{
		ID:              "n-3",
		InstanceID:      "wf-ctx",
		NodeKey:         "ship[0]",
		Status:          store.NodeCompleted,
		Output:          map[string]any{"tracking": "t-1"},
		ParallelGroupID: "grp-1",
	}
	for _, n := range []*store.TaskNode{completed, pending, child} {
		if err := st.CreateNode(ctx, n); err != nil {
			t.Fatalf("CreateNode(%s) error: %v", n.NodeKey, err)
		}
	}

	ec, err := BuildContext(ctx, st, "wf-ctx")
	if err != nil {
		t.Fatalf("BuildContext error: %v", err)
	}

	if v, ok := ec.Lookup("input.order_id"); !ok || v != "ord-99" {
		t.Errorf("input.order_id = %v, %v", v, ok)
	}
	if v, ok := ec.Lookup("region"); !ok || v != "eu-west" {
		t.Errorf("context data key region = %v, %v", v, ok)
	}
	if v, ok := ec.Lookup("nodes.validate.output.items"); !ok {
		t.Errorf("nodes.validate.output.items missing")
	} else if items, isSlice := v.([]any); !isSlice || len(items) != 2 {
		t.Errorf("nodes.validate.output.items = %v", v)
	}
	if _, ok := ec.Lookup("nodes.charge.output"); ok {
		t.Error("pending node should not surface in context")
	}
	if _, ok := ec.Lookup("nodes.ship[0]"); ok {
		t.Error("parallel child should not surface in context")
	}
}

func TestBuildContext_ContextDataWins(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	inst := seedInstance(t, st, "wf-collide")
	inst.ContextData = map[string]any{"input": map[string]any{"order_id": "override"}}
	if err := st.UpdateInstance(ctx, inst); err != nil {
		t.Fatalf("UpdateInstance error: %v", err)
	}

	ec, err := BuildContext(ctx, st, "wf-collide")
	if err != nil {
		t.Fatalf("BuildContext error: %v", err)
	}
	if v, _ := ec.Lookup("input.order_id"); v != "override" {
		t.Errorf("context data should win on collision, got %v", v)
	}
}

// A context rebuilt from the store must be equivalent to one maintained
// incrementally in memory, so resume never replays completed work.
func TestBuildContext_RebuildEquivalence(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	seedInstance(t, st, "wf-rebuild")

	live, err := BuildContext(ctx, st, "wf-rebuild")
	if err != nil {
		t.Fatalf("BuildContext error: %v", err)
	}

	output := map[string]any{"charged": true, "amount": 42.5}
	node := &store.TaskNode{
		ID:         "n-charge",
		InstanceID: "wf-rebuild",
		NodeKey:    "charge",
		Status:     store.NodeCompleted,
		Output:     output,
	}
	if err := st.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode error: %v", err)
	}
	if err := st.CompleteNode(ctx, "wf-rebuild", store.CompletedStep{Node: node, AdvanceCurrent: true}); err != nil {
		t.Fatalf("CompleteNode error: %v", err)
	}
	live.SetNodeOutput("charge", output)

	rebuilt, err := BuildContext(ctx, st, "wf-rebuild")
	if err != nil {
		t.Fatalf("BuildContext error: %v", err)
	}

	if !reflect.DeepEqual(live.Snapshot(), rebuilt.Snapshot()) {
		t.Errorf("rebuilt context differs from live context:\nlive:    %#v\nrebuilt: %#v", live.Snapshot(), rebuilt.Snapshot())
	}
}

func TestExecContext_SnapshotIsolation(t *testing.T) {
	ec := NewExecContext()
	ec.Set("input", map[string]any{"nested": map[string]any{"n": float64(1)}})

	snap := ec.Snapshot()
	snap["input"].(map[string]any)["nested"].(map[string]any)["n"] = float64(99)

	if v, _ := ec.Lookup("input.nested.n"); v != float64(1) {
		t.Errorf("mutating a snapshot leaked into the context: %v", v)
	}
}

func TestExecContext_Lookup(t *testing.T) {
	ec := NewExecContext()
	ec.Set("a", map[string]any{"b": map[string]any{"c": "deep"}})

	if v, ok := ec.Lookup("a.b.c"); !ok || v != "deep" {
		t.Errorf("Lookup(a.b.c) = %v, %v", v, ok)
	}
	if _, ok := ec.Lookup("a.b.c.d"); ok {
		t.Error("traversing through a string should fail")
	}
	if _, ok := ec.Lookup("a.x"); ok {
		t.Error("missing segment should fail")
	}
}
