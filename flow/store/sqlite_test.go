package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_InstanceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	inst := newInstance("wf-sq-1")
	inst.Status = InstanceRunning
	inst.ContextData = map[string]any{"nodes": map[string]any{"validate": map[string]any{"output": map[string]any{"ok": true}}}}
	inst.CompletedNodes = []string{"validate"}
	inst.CurrentNode = "validate"
	inst.MutexKey = "full-sync:2025-06"
	inst.OwnerEngine = "engine-a"

	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	got, err := s.GetInstance(ctx, "wf-sq-1")
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.DefinitionName != inst.DefinitionName || got.DefinitionVersion != inst.DefinitionVersion {
		t.Errorf("definition = %s/%d, want %s/%d",
			got.DefinitionName, got.DefinitionVersion, inst.DefinitionName, inst.DefinitionVersion)
	}
	if got.Status != InstanceRunning {
		t.Errorf("Status = %q, want %q", got.Status, InstanceRunning)
	}
	if got.MutexKey != "full-sync:2025-06" {
		t.Errorf("MutexKey = %q, want %q", got.MutexKey, "full-sync:2025-06")
	}
	if len(got.CompletedNodes) != 1 || got.CompletedNodes[0] != "validate" {
		t.Errorf("CompletedNodes = %v, want [validate]", got.CompletedNodes)
	}
	nodes, ok := got.ContextData["nodes"].(map[string]any)
	if !ok {
		t.Fatalf("ContextData[nodes] = %T, want map", got.ContextData["nodes"])
	}
	if _, ok := nodes["validate"]; !ok {
		t.Error("nested context data lost in round trip")
	}
	if got.CreatedAt.IsZero() || got.LastHeartbeat.IsZero() {
		t.Error("timestamps lost in round trip")
	}
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if _, err := s.GetInstance(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetInstance() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetNode(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetNode() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_TerminalGuard(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	inst := newInstance("wf-sq-t")
	inst.Status = InstanceRunning
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if err := s.UpdateInstanceStatus(ctx, "wf-sq-t", InstanceFailed, "executor crashed"); err != nil {
		t.Fatalf("UpdateInstanceStatus() error = %v", err)
	}

	if err := s.UpdateInstanceStatus(ctx, "wf-sq-t", InstanceRunning, ""); !errors.Is(err, ErrTerminal) {
		t.Errorf("UpdateInstanceStatus() error = %v, want ErrTerminal", err)
	}

	got, err := s.GetInstance(ctx, "wf-sq-t")
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.Status != InstanceFailed {
		t.Errorf("Status = %q, want %q", got.Status, InstanceFailed)
	}
	if got.LastError != "executor crashed" {
		t.Errorf("LastError = %q, want %q", got.LastError, "executor crashed")
	}

	if err := s.UpdateInstanceStatus(ctx, "wf-sq-missing", InstanceRunning, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateInstanceStatus() on missing error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_StaleQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	running := newInstance("wf-sq-run")
	running.Status = InstanceRunning
	paused := newInstance("wf-sq-paused")
	paused.Status = InstancePaused
	for _, inst := range []*WorkflowInstance{running, paused} {
		if err := s.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance(%s) error = %v", inst.ID, err)
		}
	}

	// With a generous threshold nothing qualifies.
	stale, err := s.FindStaleRunningInstances(ctx, time.Hour)
	if err != nil {
		t.Fatalf("FindStaleRunningInstances() error = %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("got %d stale instances with 1h threshold, want 0", len(stale))
	}

	// With a zero threshold every heartbeat is in the past, but only the
	// running instance may be reported.
	stale, err = s.FindStaleRunningInstances(ctx, 0)
	if err != nil {
		t.Fatalf("FindStaleRunningInstances() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "wf-sq-run" {
		ids := make([]string, 0, len(stale))
		for _, in := range stale {
			ids = append(ids, in.ID)
		}
		t.Fatalf("stale = %v, want [wf-sq-run]", ids)
	}

	// A fresh heartbeat removes it again for any positive threshold.
	if err := s.TouchHeartbeat(ctx, "wf-sq-run"); err != nil {
		t.Fatalf("TouchHeartbeat() error = %v", err)
	}
	stale, err = s.FindStaleRunningInstances(ctx, time.Second)
	if err != nil {
		t.Fatalf("FindStaleRunningInstances() error = %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("got %d stale instances after heartbeat, want 0", len(stale))
	}
}

func TestSQLiteStore_NodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if err := s.CreateInstance(ctx, newInstance("wf-sq-n")); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	node := newNode("tn-sq-1", "wf-sq-n", "charge")
	node.DependsOn = []string{"validate"}
	node.Input = map[string]any{"amount": 99.5}
	node.Status = NodeRunning
	node.StartedAt = &started
	node.RetryCount = 1

	if err := s.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}

	got, err := s.GetNode(ctx, "tn-sq-1")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if got.NodeKey != "charge" || got.Status != NodeRunning {
		t.Errorf("node = %s/%s, want charge/running", got.NodeKey, got.Status)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "validate" {
		t.Errorf("DependsOn = %v, want [validate]", got.DependsOn)
	}
	if got.Input["amount"] != 99.5 {
		t.Errorf("Input = %v, want amount 99.5", got.Input)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
	if got.RetryCount != 1 || got.MaxRetries != 3 {
		t.Errorf("retries = %d/%d, want 1/3", got.RetryCount, got.MaxRetries)
	}
}

func TestSQLiteStore_ForeignKey(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if err := s.CreateNode(ctx, newNode("tn-orphan", "wf-ghost", "validate")); err == nil {
		t.Error("CreateNode() with unknown instance should fail the FK constraint")
	}
}

func TestSQLiteStore_CreateNodesAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if err := s.CreateInstance(ctx, newInstance("wf-sq-b")); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	batch := []*TaskNode{
		newNode("tn-b1", "wf-sq-b", "notify"),
		newNode("tn-b2", "wf-ghost", "notify"), // FK violation rolls back the batch
	}
	if err := s.CreateNodes(ctx, batch); err == nil {
		t.Fatal("CreateNodes() with an FK violation should fail")
	}
	if _, err := s.GetNode(ctx, "tn-b1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("tn-b1 survived a rolled-back batch: err = %v", err)
	}
}

func TestSQLiteStore_CompleteNode(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	inst := newInstance("wf-sq-c")
	inst.Status = InstanceRunning
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if err := s.CreateNode(ctx, newNode("tn-sq-c", "wf-sq-c", "validate")); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}

	node, err := s.GetNode(ctx, "tn-sq-c")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	node.Status = NodeCompleted
	node.Output = map[string]any{"valid": true}
	done := time.Now().UTC().Truncate(time.Millisecond)
	node.CompletedAt = &done

	step := CompletedStep{
		Node:           node,
		ContextPatch:   map[string]any{"validated": true},
		AdvanceCurrent: true,
	}
	if err := s.CompleteNode(ctx, "wf-sq-c", step); err != nil {
		t.Fatalf("CompleteNode() error = %v", err)
	}

	got, err := s.GetInstance(ctx, "wf-sq-c")
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if len(got.CompletedNodes) != 1 || got.CompletedNodes[0] != "validate" {
		t.Errorf("CompletedNodes = %v, want [validate]", got.CompletedNodes)
	}
	if got.CurrentNode != "validate" {
		t.Errorf("CurrentNode = %q, want %q", got.CurrentNode, "validate")
	}
	if got.ContextData["validated"] != true {
		t.Errorf("context patch not applied: %v", got.ContextData)
	}

	gotNode, err := s.GetNode(ctx, "tn-sq-c")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if gotNode.Status != NodeCompleted {
		t.Errorf("node Status = %q, want %q", gotNode.Status, NodeCompleted)
	}
	if gotNode.CompletedAt == nil || !gotNode.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", gotNode.CompletedAt, done)
	}

	t.Run("rejected after cancel", func(t *testing.T) {
		if err := s.UpdateInstanceStatus(ctx, "wf-sq-c", InstanceCanceled, ""); err != nil {
			t.Fatalf("UpdateInstanceStatus() error = %v", err)
		}
		if err := s.CompleteNode(ctx, "wf-sq-c", step); !errors.Is(err, ErrTerminal) {
			t.Errorf("CompleteNode() error = %v, want ErrTerminal", err)
		}
	})
}

func TestSQLiteStore_FindIncompleteNodes(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if err := s.CreateInstance(ctx, newInstance("wf-sq-i")); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	keys := map[string]NodeStatus{
		"tn-i1": NodeCompleted,
		"tn-i2": NodePending,
		"tn-i3": NodeRunning,
		"tn-i4": NodeSkipped,
	}
	for id, status := range keys {
		n := newNode(id, "wf-sq-i", "step-"+id)
		n.Status = status
		if err := s.CreateNode(ctx, n); err != nil {
			t.Fatalf("CreateNode(%s) error = %v", id, err)
		}
	}

	incomplete, err := s.FindIncompleteNodes(ctx, "wf-sq-i")
	if err != nil {
		t.Fatalf("FindIncompleteNodes() error = %v", err)
	}
	if len(incomplete) != 2 {
		t.Fatalf("got %d incomplete nodes, want 2", len(incomplete))
	}
	for _, n := range incomplete {
		if n.Status.Terminal() {
			t.Errorf("node %s has terminal status %q", n.ID, n.Status)
		}
	}
}

func TestSQLiteStore_CloseIsIdempotent(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := s.CreateInstance(context.Background(), newInstance("wf-x")); err == nil {
		t.Error("CreateInstance() on closed store should fail")
	}
}
