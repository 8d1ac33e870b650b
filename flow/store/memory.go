package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation.
//
// Designed for tests and prototyping. All reads and writes deep-copy records
// via JSON round-trips so callers can never mutate stored state through a
// shared pointer.
//
// Thread-safe for concurrent use by multiple goroutines.
type MemStore struct {
	mu        sync.RWMutex
	instances map[string]*WorkflowInstance
	nodes     map[string]*TaskNode

	// nodeOrder preserves creation order per instance for ListNodes.
	nodeOrder map[string][]string

	// now is swappable so tests can control heartbeat aging.
	now func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		instances: make(map[string]*WorkflowInstance),
		nodes:     make(map[string]*TaskNode),
		nodeOrder: make(map[string][]string),
		now:       time.Now,
	}
}

// SetClock replaces the store's time source for tests.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// copyOf deep-copies v through a JSON round-trip.
func copyOf[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("copy marshal: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("copy unmarshal: %w", err)
	}
	return out, nil
}

// CreateInstance implements Store.
func (s *MemStore) CreateInstance(_ context.Context, inst *WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}

	cp, err := copyOf(inst)
	if err != nil {
		return err
	}
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	if cp.LastHeartbeat.IsZero() {
		cp.LastHeartbeat = now
	}

	s.instances[cp.ID] = cp
	return nil
}

// GetInstance implements Store.
func (s *MemStore) GetInstance(_ context.Context, id string) (*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(inst)
}

// UpdateInstance implements Store.
func (s *MemStore) UpdateInstance(_ context.Context, inst *WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status.Terminal() {
		return ErrTerminal
	}

	cp, err := copyOf(inst)
	if err != nil {
		return err
	}
	cp.UpdatedAt = s.now()
	s.instances[cp.ID] = cp
	return nil
}

// UpdateInstanceStatus implements Store.
func (s *MemStore) UpdateInstanceStatus(_ context.Context, id string, status InstanceStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.Status.Terminal() {
		return ErrTerminal
	}

	inst.Status = status
	inst.LastError = lastError
	inst.UpdatedAt = s.now()
	return nil
}

// TouchHeartbeat implements Store.
func (s *MemStore) TouchHeartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.LastHeartbeat = s.now()
	return nil
}

// FindStaleRunningInstances implements Store. The heartbeat comparison is
// strict: an instance aged exactly threshold is not stale.
func (s *MemStore) FindStaleRunningInstances(_ context.Context, threshold time.Duration) ([]*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-threshold)
	var out []*WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != InstanceRunning {
			continue
		}
		if !inst.LastHeartbeat.Before(cutoff) {
			continue
		}
		cp, err := copyOf(inst)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}

	// Oldest heartbeat first, so the most abandoned work is reclaimed first.
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastHeartbeat.Before(out[j].LastHeartbeat)
	})
	return out, nil
}

// CreateNode implements Store.
func (s *MemStore) CreateNode(_ context.Context, node *TaskNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createNodeLocked(node)
}

func (s *MemStore) createNodeLocked(node *TaskNode) error {
	if _, exists := s.nodes[node.ID]; exists {
		return fmt.Errorf("node %s already exists", node.ID)
	}
	if _, ok := s.instances[node.InstanceID]; !ok {
		// Integrity between instance and node tables is enforced, matching
		// the foreign key the relational backends declare.
		return fmt.Errorf("node %s references unknown instance %s: %w", node.ID, node.InstanceID, ErrNotFound)
	}

	cp, err := copyOf(node)
	if err != nil {
		return err
	}
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}

	s.nodes[cp.ID] = cp
	s.nodeOrder[cp.InstanceID] = append(s.nodeOrder[cp.InstanceID], cp.ID)
	return nil
}

// CreateNodes implements Store. All-or-nothing: a failure rolls back the
// nodes created earlier in the batch.
func (s *MemStore) CreateNodes(_ context.Context, nodes []*TaskNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if err := s.createNodeLocked(node); err != nil {
			for _, id := range created {
				n := s.nodes[id]
				delete(s.nodes, id)
				order := s.nodeOrder[n.InstanceID]
				s.nodeOrder[n.InstanceID] = order[:len(order)-1]
			}
			return err
		}
		created = append(created, node.ID)
	}
	return nil
}

// GetNode implements Store.
func (s *MemStore) GetNode(_ context.Context, id string) (*TaskNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOf(node)
}

// UpdateNode implements Store.
func (s *MemStore) UpdateNode(_ context.Context, node *TaskNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[node.ID]; !ok {
		return ErrNotFound
	}
	cp, err := copyOf(node)
	if err != nil {
		return err
	}
	cp.UpdatedAt = s.now()
	s.nodes[cp.ID] = cp
	return nil
}

// ListNodes implements Store.
func (s *MemStore) ListNodes(_ context.Context, instanceID string) ([]*TaskNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.nodeOrder[instanceID]
	out := make([]*TaskNode, 0, len(ids))
	for _, id := range ids {
		cp, err := copyOf(s.nodes[id])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// ListNodesByGroup implements Store.
func (s *MemStore) ListNodesByGroup(_ context.Context, instanceID, groupID string) ([]*TaskNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TaskNode
	for _, id := range s.nodeOrder[instanceID] {
		node := s.nodes[id]
		if node.ParallelGroupID != groupID {
			continue
		}
		cp, err := copyOf(node)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ParallelIndex < out[j].ParallelIndex
	})
	return out, nil
}

// FindIncompleteNodes implements Store.
func (s *MemStore) FindIncompleteNodes(_ context.Context, instanceID string) ([]*TaskNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TaskNode
	for _, id := range s.nodeOrder[instanceID] {
		node := s.nodes[id]
		if node.Status.Terminal() {
			continue
		}
		cp, err := copyOf(node)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// CompleteNode implements Store. Node outcome and instance bookkeeping are
// applied under one lock so readers never observe them disagreeing.
func (s *MemStore) CompleteNode(_ context.Context, instanceID string, step CompletedStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrNotFound
	}
	if inst.Status.Terminal() {
		return ErrTerminal
	}
	if _, ok := s.nodes[step.Node.ID]; !ok {
		return ErrNotFound
	}

	nodeCp, err := copyOf(step.Node)
	if err != nil {
		return err
	}
	now := s.now()
	nodeCp.UpdatedAt = now
	s.nodes[nodeCp.ID] = nodeCp

	inst.ContextData = mergeContext(inst.ContextData, step.ContextPatch)
	switch nodeCp.Status {
	case NodeCompleted, NodeSkipped:
		inst.CompletedNodes = appendUnique(inst.CompletedNodes, nodeCp.NodeKey)
	case NodeFailed:
		inst.FailedNodes = appendUnique(inst.FailedNodes, nodeCp.NodeKey)
	}
	if step.AdvanceCurrent {
		inst.CurrentNode = nodeCp.NodeKey
	}
	inst.LastHeartbeat = now
	inst.UpdatedAt = now
	return nil
}

// Close implements Store. No resources to release for the in-memory store.
func (s *MemStore) Close() error {
	return nil
}
