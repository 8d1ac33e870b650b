package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/tessellate-io/flowline/flow/exec"
	"github.com/tessellate-io/flowline/flow/store"
)

func fanoutDef(join JoinPolicy, maxConcurrency int) *WorkflowDefinition {
	return &WorkflowDefinition{
		Name:    "fanout",
		Version: 1,
		Nodes: []NodeDefinition{
			{Key: "seed", Kind: KindTask, Capability: "seed"},
			{
				Key:            "work",
				Kind:           KindParallel,
				Capability:     "work",
				DependsOn:      []string{"seed"},
				Source:         "nodes.seed.output.items",
				Join:           join,
				MaxConcurrency: maxConcurrency,
			},
		},
	}
}

func seedExecutor(items ...any) exec.Func {
	return func(ctx context.Context, in exec.Input) (map[string]any, error) {
		return map[string]any{"items": items}, nil
	}
}

func TestEngine_ParallelJoinAll(t *testing.T) {
	h := newHarness(t)
	log := &invocationLog{}

	h.register(t, "seed", seedExecutor("x", "y", "z"))
	h.register(t, "work", func(ctx context.Context, in exec.Input) (map[string]any, error) {
		log.add(in.NodeKey)
		return map[string]any{"handled": in.Payload["item"]}, nil
	})

	def := fanoutDef(JoinAll, 2)
	h.registerDef(t, def)
	inst := h.start(t, def, nil)

	if err := h.eng.Drive(context.Background(), inst.ID); err != nil {
		t.Fatalf("Drive error: %v", err)
	}

	got := h.instance(t, inst.ID)
	if got.Status != store.InstanceCompleted {
		t.Fatalf("status = %s, want completed (last error %q)", got.Status, got.LastError)
	}
	if len(log.snapshot()) != 3 {
		t.Errorf("children invoked %d times, want 3", len(log.snapshot()))
	}

	nodes, err := h.st.ListNodes(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("ListNodes error: %v", err)
	}
	var parent *store.TaskNode
	children := 0
	for _, n := range nodes {
		if n.NodeKey == "work" {
			parent = n
		}
		if n.ParallelGroupID != "" {
			children++
		}
	}
	if parent == nil {
		t.Fatal("parent record missing")
	}
	if children != 3 {
		t.Errorf("child records = %d, want 3", children)
	}

	results, ok := parent.Output["results"].([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("parent output results = %v", parent.Output)
	}
	// results are ordered by fan-out index regardless of completion order
	for i, want := range []string{"x", "y", "z"} {
		out, _ := results[i].(map[string]any)
		if out["handled"] != want {
			t.Errorf("results[%d] = %v, want handled=%s", i, out, want)
		}
	}
	// store reads round-trip through JSON, so counts come back as float64
	if parent.Output["succeeded"] != float64(3) || parent.Output["failed"] != float64(0) {
		t.Errorf("join counts = %v", parent.Output)
	}

	grouped, err := h.st.ListNodesByGroup(context.Background(), inst.ID, parent.ID)
	if err != nil {
		t.Fatalf("ListNodesByGroup error: %v", err)
	}
	if len(grouped) != 3 {
		t.Errorf("grouped children = %d, want 3", len(grouped))
	}
}

func TestEngine_ParallelJoinAllFailureIsFatal(t *testing.T) {
	h := newHarness(t)

	h.register(t, "seed", seedExecutor("x", "y", "z"))
	h.register(t, "work", func(ctx context.Context, in exec.Input) (map[string]any, error) {
		if in.Payload["item"] == "y" {
			return nil, errors.New("item y exploded")
		}
		return map[string]any{"ok": true}, nil
	})

	def := fanoutDef(JoinAll, 1)
	h.registerDef(t, def)
	inst := h.start(t, def, nil)

	err := h.eng.Drive(context.Background(), inst.ID)
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		t.Fatalf("Drive error = %v, want *NodeError", err)
	}

	got := h.instance(t, inst.ID)
	if got.Status != store.InstanceFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if len(got.FailedNodes) != 1 || got.FailedNodes[0] != "work" {
		t.Errorf("FailedNodes = %v, want [work]", got.FailedNodes)
	}
}

func TestEngine_ParallelJoinAny(t *testing.T) {
	h := newHarness(t)

	h.register(t, "seed", seedExecutor("x", "y", "z"))
	h.register(t, "work", func(ctx context.Context, in exec.Input) (map[string]any, error) {
		if in.Payload["index"] == 0 {
			return nil, errors.New("first child fails")
		}
		return map[string]any{"winner": in.Payload["index"]}, nil
	})

	// concurrency 1 makes the outcome deterministic: child 0 fails, child 1
	// succeeds and satisfies the join, child 2 never runs
	def := fanoutDef(JoinAny, 1)
	h.registerDef(t, def)
	inst := h.start(t, def, nil)

	if err := h.eng.Drive(context.Background(), inst.ID); err != nil {
		t.Fatalf("Drive error: %v", err)
	}

	got := h.instance(t, inst.ID)
	if got.Status != store.InstanceCompleted {
		t.Fatalf("status = %s, want completed (last error %q)", got.Status, got.LastError)
	}

	nodes, _ := h.st.ListNodes(context.Background(), inst.ID)
	statuses := map[string]store.NodeStatus{}
	var parent *store.TaskNode
	for _, n := range nodes {
		if n.NodeKey == "work" {
			parent = n
			continue
		}
		if n.ParallelGroupID != "" {
			statuses[n.NodeKey] = n.Status
		}
	}
	if statuses["work[0]"] != store.NodeFailed {
		t.Errorf("work[0] = %s, want failed", statuses["work[0]"])
	}
	if statuses["work[1]"] != store.NodeCompleted {
		t.Errorf("work[1] = %s, want completed", statuses["work[1]"])
	}
	if statuses["work[2]"] != store.NodeSkipped {
		t.Errorf("work[2] = %s, want skipped", statuses["work[2]"])
	}
	if parent.Output["succeeded"] != float64(1) {
		t.Errorf("succeeded = %v, want 1", parent.Output["succeeded"])
	}
}

func TestEngine_ParallelJoinBestEffort(t *testing.T) {
	h := newHarness(t)

	h.register(t, "seed", seedExecutor("a", "b", "c", "d"))
	h.register(t, "work", func(ctx context.Context, in exec.Input) (map[string]any, error) {
		idx := in.Payload["index"].(int)
		if idx%2 == 1 {
			return nil, fmt.Errorf("child %d failed", idx)
		}
		return map[string]any{"idx": idx}, nil
	})

	def := fanoutDef(JoinBestEffort, 2)
	h.registerDef(t, def)
	inst := h.start(t, def, nil)

	if err := h.eng.Drive(context.Background(), inst.ID); err != nil {
		t.Fatalf("Drive error: %v", err)
	}

	got := h.instance(t, inst.ID)
	if got.Status != store.InstanceCompleted {
		t.Fatalf("status = %s, want completed (last error %q)", got.Status, got.LastError)
	}

	nodes, _ := h.st.ListNodes(context.Background(), inst.ID)
	for _, n := range nodes {
		if n.NodeKey != "work" {
			continue
		}
		if n.Output["succeeded"] != float64(2) || n.Output["failed"] != float64(2) {
			t.Errorf("join counts = %v, want 2 succeeded / 2 failed", n.Output)
		}
		results := n.Output["results"].([]any)
		if results[1] != nil || results[3] != nil {
			t.Errorf("failed children must leave nil result slots: %v", results)
		}
	}
}

func TestEngine_ParallelEmptySource(t *testing.T) {
	h := newHarness(t)
	h.register(t, "seed", seedExecutor())
	h.register(t, "work", func(ctx context.Context, in exec.Input) (map[string]any, error) {
		t.Error("no children should run for an empty source")
		return nil, nil
	})

	def := fanoutDef(JoinAll, 2)
	h.registerDef(t, def)
	inst := h.start(t, def, nil)

	if err := h.eng.Drive(context.Background(), inst.ID); err != nil {
		t.Fatalf("Drive error: %v", err)
	}

	got := h.instance(t, inst.ID)
	if got.Status != store.InstanceCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	nodes, _ := h.st.ListNodes(context.Background(), inst.ID)
	for _, n := range nodes {
		if n.NodeKey == "work" && n.Output["total"] != float64(0) {
			t.Errorf("parent output = %v, want total 0", n.Output)
		}
	}
}

func TestEngine_ParallelBadSource(t *testing.T) {
	h := newHarness(t)
	h.register(t, "seed", func(ctx context.Context, in exec.Input) (map[string]any, error) {
		return map[string]any{"items": "not-a-list"}, nil
	})
	h.register(t, "work", noopExecutor)

	def := fanoutDef(JoinAll, 2)
	h.registerDef(t, def)
	inst := h.start(t, def, nil)

	err := h.eng.Drive(context.Background(), inst.ID)
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != "invalid_source" {
		t.Fatalf("Drive error = %v, want invalid_source", err)
	}
	if got := h.instance(t, inst.ID); got.Status != store.InstanceFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestEngine_ParallelChildRetry(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	attempts := map[int]int{}

	h.register(t, "seed", seedExecutor("a", "b"))
	h.register(t, "work", func(ctx context.Context, in exec.Input) (map[string]any, error) {
		idx := in.Payload["index"].(int)
		mu.Lock()
		attempts[idx]++
		mu.Unlock()
		if in.Attempt == 1 {
			return nil, errors.New("first attempt always fails")
		}
		return map[string]any{"ok": true}, nil
	})

	def := fanoutDef(JoinAll, 1)
	def.Nodes[1].Retry = RetryPolicy{MaxRetries: 2}
	h.registerDef(t, def)
	inst := h.start(t, def, nil)

	if err := h.eng.Drive(context.Background(), inst.ID); err != nil {
		t.Fatalf("Drive error: %v", err)
	}
	if got := h.instance(t, inst.ID); got.Status != store.InstanceCompleted {
		t.Fatalf("status = %s, want completed (last error %q)", got.Status, got.LastError)
	}
	if attempts[0] != 2 || attempts[1] != 2 {
		t.Errorf("attempts per child = %v, want 2 each", attempts)
	}
}
