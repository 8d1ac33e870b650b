package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tessellate-io/flowline/flow/emit"
	"github.com/tessellate-io/flowline/flow/exec"
	"github.com/tessellate-io/flowline/flow/lock"
	"github.com/tessellate-io/flowline/flow/store"
)

// Engine drives workflow instances: it owns the per-instance distributed
// lock while driving, selects eligible nodes, dispatches executors, and
// persists progress after every step.
//
// Drive is the single entry point for fresh starts, external resumes, and
// recovery reclaims; all three paths go through identical lock acquisition
// and context reconstruction, so there is no separate "resume" code path to
// drift out of sync.
type Engine struct {
	store      store.Store
	locks      *lock.Manager
	registry   *exec.Registry
	dispatcher *exec.Dispatcher
	cfg        engineConfig

	defMu sync.RWMutex
	defs  map[string]*WorkflowDefinition

	// rngMu serializes jitter draws; parallel children share the source.
	rngMu sync.Mutex

	// sleep is swappable so retry backoff tests run without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine over the given store, lock manager, and
// executor registry.
func NewEngine(st store.Store, locks *lock.Manager, registry *exec.Registry, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, &EngineError{Message: "store cannot be nil"}
	}
	if locks == nil {
		return nil, &EngineError{Message: "lock manager cannot be nil"}
	}
	if registry == nil {
		return nil, &EngineError{Message: "executor registry cannot be nil"}
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.renewInterval >= cfg.lockTTL {
		return nil, &EngineError{Message: "renew interval must be shorter than lock TTL"}
	}
	if cfg.engineID == "" {
		cfg.engineID = lock.NewOwnerToken()
	}

	return &Engine{
		store:      st,
		locks:      locks,
		registry:   registry,
		dispatcher: exec.NewDispatcher(registry),
		cfg:        cfg,
		defs:       make(map[string]*WorkflowDefinition),
		sleep:      sleepCtx,
	}, nil
}

func (e *Engine) backoff(attempt int, policy RetryPolicy) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, e.cfg.rng)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defKey(name string, version int) string {
	return fmt.Sprintf("%s@v%d", name, version)
}

// RegisterDefinition validates a workflow definition against the executor
// registry and makes it available to Drive. Registering the same
// name/version twice replaces the previous definition.
func (e *Engine) RegisterDefinition(def *WorkflowDefinition) error {
	if def == nil {
		return &EngineError{Message: "definition cannot be nil"}
	}
	if err := def.Validate(e.registry); err != nil {
		return err
	}

	e.defMu.Lock()
	defer e.defMu.Unlock()
	e.defs[defKey(def.Name, def.Version)] = def
	return nil
}

func (e *Engine) definition(name string, version int) (*WorkflowDefinition, bool) {
	e.defMu.RLock()
	defer e.defMu.RUnlock()
	def, ok := e.defs[defKey(name, version)]
	return def, ok
}

// StartInstance creates a new pending instance of a registered definition.
// mutexKey optionally names a semantic class of work that must not run
// concurrently; an empty key disables the check. The caller drives the
// instance with Drive.
func (e *Engine) StartInstance(ctx context.Context, name string, version int, input map[string]any, mutexKey string) (*store.WorkflowInstance, error) {
	if _, ok := e.definition(name, version); !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrDefinitionNotFound, name, version)
	}

	inst := &store.WorkflowInstance{
		ID:                uuid.NewString(),
		DefinitionName:    name,
		DefinitionVersion: version,
		Status:            store.InstancePending,
		Input:             input,
		ContextData:       map[string]any{},
		MutexKey:          mutexKey,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Pause asks the driving engine to stop after the current node. The driver
// observes the status flip on its next loop iteration; no work in flight is
// interrupted.
func (e *Engine) Pause(ctx context.Context, instanceID string) error {
	return e.store.UpdateInstanceStatus(ctx, instanceID, store.InstancePaused, "")
}

// Resume continues a paused instance by driving it again. Progress is
// reconstructed from persisted node records, so no completed work replays.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	return e.Drive(ctx, instanceID)
}

// Cancel terminally stops an instance. A driving engine observes the flip,
// marks the remaining pending nodes skipped, and releases its locks; a
// non-driven instance simply becomes terminal.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	return e.store.UpdateInstanceStatus(ctx, instanceID, store.InstanceCanceled, "")
}

// InstanceLockKey is the distributed-lock key guarding an instance's
// execution. The recovery scanner probes the same key before reclaiming.
func InstanceLockKey(instanceID string) string {
	return "instance:" + instanceID
}

// MutexLockKey is the distributed-lock key for a semantic mutex class.
func MutexLockKey(mutexKey string) string {
	return "mutex:" + mutexKey
}

// Drive acquires the instance lock and runs the driver loop until the
// instance reaches a terminal state, pauses, or the lock is lost.
//
// Returns ErrInstanceBusy / ErrMutexBusy without side effects when another
// engine holds the locks. Returns lock.ErrLockLost when renewal failed
// mid-drive; the instance is left running for the recovery service to
// reclaim (continuing without a lock could race a second owner).
func (e *Engine) Drive(ctx context.Context, instanceID string) error {
	// Pre-lock read: good for the terminal fast path and the immutable
	// fields (definition, mutex key) only. Mutable state is re-read once the
	// lock is held.
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}
	def, ok := e.definition(inst.DefinitionName, inst.DefinitionVersion)
	if !ok {
		return fmt.Errorf("%w: %s v%d", ErrDefinitionNotFound, inst.DefinitionName, inst.DefinitionVersion)
	}

	owner := lock.NewOwnerToken()

	start := time.Now()
	acquired, err := e.locks.Acquire(ctx, InstanceLockKey(instanceID), owner, e.cfg.lockTTL)
	if err != nil {
		e.cfg.metrics.LockAcquire("error", time.Since(start))
		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !acquired {
		e.cfg.metrics.LockAcquire("contended", time.Since(start))
		return fmt.Errorf("%w: %s", ErrInstanceBusy, instanceID)
	}
	e.cfg.metrics.LockAcquire("acquired", time.Since(start))
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = e.locks.Release(rctx, InstanceLockKey(instanceID), owner)
	}()

	if inst.MutexKey != "" {
		ok, err := e.locks.Acquire(ctx, MutexLockKey(inst.MutexKey), owner, e.cfg.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire mutex lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrMutexBusy, inst.MutexKey)
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = e.locks.Release(rctx, MutexLockKey(inst.MutexKey), owner)
		}()
	}

	// Re-read under the lock: progress the previous owner persisted between
	// the first read and the acquire must not be overwritten by the stale
	// snapshot.
	inst, err = e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}

	e.cfg.emitter.Emit(emit.Event{
		InstanceID: instanceID,
		Msg:        emit.LockAcquired,
		Meta:       map[string]any{"owner": owner, "engine": e.cfg.engineID},
	})

	driveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lockLost atomic.Bool
	keeper := e.locks.StartKeeper(driveCtx, lock.KeeperConfig{
		Key:      InstanceLockKey(instanceID),
		Owner:    owner,
		TTL:      e.cfg.lockTTL,
		Interval: e.cfg.renewInterval,
		OnLost: func(err error) {
			lockLost.Store(true)
			e.cfg.emitter.Emit(emit.Event{
				InstanceID: instanceID,
				Msg:        emit.LockLost,
				Meta:       map[string]any{"owner": owner, "error": err.Error()},
			})
			cancel()
		},
	})
	defer keeper.Stop()

	inst.Status = store.InstanceRunning
	inst.OwnerEngine = e.cfg.engineID
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return nil
		}
		return err
	}
	e.cfg.emitter.Emit(emit.Event{
		InstanceID: instanceID,
		Msg:        emit.InstanceStarted,
		Meta:       map[string]any{"definition": inst.DefinitionName, "engine": e.cfg.engineID},
	})

	// Heartbeat on an independent timer so a long-running node cannot
	// starve it into a false abandoned detection.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-driveCtx.Done():
				return
			case <-ticker.C:
				_ = e.store.TouchHeartbeat(driveCtx, instanceID)
			}
		}
	}()
	defer wg.Wait()
	defer cancel()

	runErr := e.run(driveCtx, def, instanceID)
	if lockLost.Load() {
		// Pause locally and let recovery reclaim; do not touch status
		// because another engine may already own the instance.
		return fmt.Errorf("%w: instance %s", lock.ErrLockLost, instanceID)
	}
	return runErr
}

// run is the driver loop body, entered with the locks held.
func (e *Engine) run(ctx context.Context, def *WorkflowDefinition, instanceID string) error {
	if err := e.resetOrphanedNodes(ctx, instanceID); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}

		switch inst.Status {
		case store.InstancePaused:
			e.cfg.emitter.Emit(emit.Event{InstanceID: instanceID, Msg: emit.InstancePaused})
			return nil
		case store.InstanceCanceled:
			if err := e.skipPendingNodes(ctx, instanceID); err != nil {
				return err
			}
			e.cfg.emitter.Emit(emit.Event{InstanceID: instanceID, Msg: emit.InstanceCanceled})
			return nil
		case store.InstanceCompleted, store.InstanceFailed:
			return nil
		}

		ec, err := BuildContext(ctx, e.store, instanceID)
		if err != nil {
			return err
		}
		records, err := e.nodeRecords(ctx, instanceID)
		if err != nil {
			return err
		}

		satisfied := toSet(inst.CompletedNodes)
		failed := toSet(inst.FailedNodes)
		remaining := 0
		var next *NodeDefinition
		var skipCascade *NodeDefinition

	selection:
		for i := range def.Nodes {
			node := &def.Nodes[i]
			if satisfied[node.Key] || failed[node.Key] {
				continue
			}
			remaining++
			for _, dep := range node.DependsOn {
				if failed[dep] {
					// A failed dependency can never satisfy; the node is
					// unreachable and cascades to skipped.
					skipCascade = node
					break selection
				}
				if !satisfied[dep] {
					continue selection
				}
			}
			if next == nil {
				next = node
			}
		}

		if skipCascade != nil {
			if err := e.skipNode(ctx, instanceID, skipCascade, records, "dependency failed"); err != nil {
				return err
			}
			continue
		}

		if next == nil {
			if remaining == 0 {
				if err := e.store.UpdateInstanceStatus(ctx, instanceID, store.InstanceCompleted, ""); err != nil {
					if errors.Is(err, store.ErrTerminal) {
						return nil
					}
					return err
				}
				e.cfg.emitter.Emit(emit.Event{InstanceID: instanceID, Msg: emit.InstanceCompleted})
				return nil
			}
			// Post-validation this cannot happen; fail loudly rather than
			// spinning forever.
			err := &EngineError{
				Message: fmt.Sprintf("no eligible node for instance %s with %d nodes remaining", instanceID, remaining),
				Code:    "no_progress",
			}
			return e.failInstance(ctx, instanceID, err)
		}

		e.cfg.metrics.SetPending(remaining)

		if next.Condition != "" {
			cond, err := ParseCondition(next.Condition)
			if err != nil {
				return e.failInstance(ctx, instanceID, err)
			}
			pass, err := cond.Eval(ec)
			if err != nil {
				return e.failInstance(ctx, instanceID, err)
			}
			if !pass {
				if err := e.skipNode(ctx, instanceID, next, records, "condition false"); err != nil {
					return err
				}
				continue
			}
		}

		var stepErr error
		if next.Kind == KindParallel {
			stepErr = e.runParallel(ctx, def, instanceID, next, ec, records)
		} else {
			stepErr = e.runTask(ctx, def, instanceID, next, ec, records)
		}
		if stepErr != nil {
			var nodeErr *NodeError
			if errors.As(stepErr, &nodeErr) && !next.NonFatal {
				return e.failInstance(ctx, instanceID, stepErr)
			}
			if errors.As(stepErr, &nodeErr) {
				continue // non-fatal: execution continues past the node
			}
			return stepErr
		}
	}
}

// resetOrphanedNodes turns node records left running by a dead owner into
// pending retries, counting the lost attempt.
func (e *Engine) resetOrphanedNodes(ctx context.Context, instanceID string) error {
	incomplete, err := e.store.FindIncompleteNodes(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, node := range incomplete {
		if node.Status != store.NodeRunning {
			continue
		}
		node.Status = store.NodePending
		node.RetryCount++
		node.Error = "previous owner died mid-execution"
		if err := e.store.UpdateNode(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

// skipPendingNodes marks all non-terminal node records skipped after a
// cancel.
func (e *Engine) skipPendingNodes(ctx context.Context, instanceID string) error {
	incomplete, err := e.store.FindIncompleteNodes(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, node := range incomplete {
		node.Status = store.NodeSkipped
		if err := e.store.UpdateNode(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

// nodeRecords maps existing non-child task node records by node key.
func (e *Engine) nodeRecords(ctx context.Context, instanceID string) (map[string]*store.TaskNode, error) {
	nodes, err := e.store.ListNodes(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*store.TaskNode, len(nodes))
	for _, node := range nodes {
		if node.ParallelGroupID != "" {
			continue
		}
		byKey[node.NodeKey] = node
	}
	return byKey, nil
}

// ensureRecord returns the node's execution record, creating it on first
// touch with a snapshot of its dependencies.
func (e *Engine) ensureRecord(ctx context.Context, instanceID string, nodeDef *NodeDefinition, records map[string]*store.TaskNode) (*store.TaskNode, error) {
	if node, ok := records[nodeDef.Key]; ok {
		return node, nil
	}
	node := &store.TaskNode{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		NodeKey:    nodeDef.Key,
		Status:     store.NodePending,
		DependsOn:  append([]string(nil), nodeDef.DependsOn...),
		Input:      nodeDef.Config,
		MaxRetries: nodeDef.Retry.MaxRetries,
	}
	if err := e.store.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	records[nodeDef.Key] = node
	return node, nil
}

func (e *Engine) skipNode(ctx context.Context, instanceID string, nodeDef *NodeDefinition, records map[string]*store.TaskNode, reason string) error {
	node, err := e.ensureRecord(ctx, instanceID, nodeDef, records)
	if err != nil {
		return err
	}
	node.Status = store.NodeSkipped
	node.Error = reason
	if err := e.store.CompleteNode(ctx, instanceID, store.CompletedStep{Node: node}); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return nil // instance went terminal underneath us; loop re-reads
		}
		return err
	}
	e.cfg.emitter.Emit(emit.Event{
		InstanceID: instanceID,
		NodeKey:    nodeDef.Key,
		NodeID:     node.ID,
		Msg:        emit.NodeSkipped,
		Meta:       map[string]any{"reason": reason},
	})
	return nil
}

// runTask drives a single task node through its attempts.
func (e *Engine) runTask(ctx context.Context, def *WorkflowDefinition, instanceID string, nodeDef *NodeDefinition, ec *ExecContext, records map[string]*store.TaskNode) error {
	node, err := e.ensureRecord(ctx, instanceID, nodeDef, records)
	if err != nil {
		return err
	}

	for {
		attempt := node.RetryCount + 1
		now := time.Now()
		node.Status = store.NodeRunning
		node.StartedAt = &now
		if err := e.store.UpdateNode(ctx, node); err != nil {
			return err
		}
		_ = e.store.TouchHeartbeat(ctx, instanceID)

		e.cfg.emitter.Emit(emit.Event{
			InstanceID: instanceID,
			NodeKey:    nodeDef.Key,
			NodeID:     node.ID,
			Msg:        emit.NodeStarted,
			Meta:       map[string]any{"attempt": attempt, "capability": nodeDef.Capability},
		})
		e.cfg.metrics.NodeStarted()

		res := e.dispatcher.Dispatch(ctx, exec.Input{
			InstanceID: instanceID,
			NodeID:     node.ID,
			NodeKey:    nodeDef.Key,
			Capability: nodeDef.Capability,
			Attempt:    attempt,
			Payload:    nodeDef.Config,
			Context:    ec.Snapshot(),
		})

		if res.Err == nil {
			done := time.Now()
			node.Status = store.NodeCompleted
			node.Output = res.Output
			node.Error = ""
			node.CompletedAt = &done
			if err := e.store.CompleteNode(ctx, instanceID, store.CompletedStep{Node: node, AdvanceCurrent: true}); err != nil {
				if errors.Is(err, store.ErrTerminal) {
					return nil
				}
				return err
			}
			ec.SetNodeOutput(nodeDef.Key, res.Output)
			e.cfg.metrics.NodeFinished(def.Name, nodeDef.Key, "success", res.Duration)
			e.cfg.emitter.Emit(emit.Event{
				InstanceID: instanceID,
				NodeKey:    nodeDef.Key,
				NodeID:     node.ID,
				Msg:        emit.NodeCompleted,
				Meta:       map[string]any{"attempt": attempt, "duration_ms": res.Duration.Milliseconds()},
			})
			return nil
		}

		if ctx.Err() != nil {
			// Driver shutdown or lock loss mid-attempt: reset so a resume
			// re-runs it. The write must outlive the canceled context.
			node.Status = store.NodePending
			_ = e.store.UpdateNode(context.WithoutCancel(ctx), node)
			return ctx.Err()
		}

		e.cfg.metrics.NodeFinished(def.Name, nodeDef.Key, "error", res.Duration)
		e.cfg.emitter.Emit(emit.Event{
			InstanceID: instanceID,
			NodeKey:    nodeDef.Key,
			NodeID:     node.ID,
			Msg:        emit.NodeFailed,
			Meta:       map[string]any{"attempt": attempt, "error": res.Err.Error()},
		})

		if node.RetryCount < node.MaxRetries {
			node.Status = store.NodePending
			node.Error = res.Err.Error()
			node.RetryCount++
			if err := e.store.UpdateNode(ctx, node); err != nil {
				return err
			}
			e.cfg.metrics.Retry(def.Name, nodeDef.Key)
			e.cfg.emitter.Emit(emit.Event{
				InstanceID: instanceID,
				NodeKey:    nodeDef.Key,
				NodeID:     node.ID,
				Msg:        emit.NodeRetried,
				Meta:       map[string]any{"attempt": attempt},
			})

			delay := e.backoff(node.RetryCount-1, nodeDef.Retry)
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		done := time.Now()
		node.Status = store.NodeFailed
		node.Error = res.Err.Error()
		node.CompletedAt = &done
		if err := e.store.CompleteNode(ctx, instanceID, store.CompletedStep{Node: node}); err != nil {
			if errors.Is(err, store.ErrTerminal) {
				return nil
			}
			return err
		}
		return &NodeError{NodeKey: nodeDef.Key, Attempt: attempt, Err: res.Err}
	}
}

func (e *Engine) failInstance(ctx context.Context, instanceID string, cause error) error {
	if err := e.store.UpdateInstanceStatus(ctx, instanceID, store.InstanceFailed, cause.Error()); err != nil && !errors.Is(err, store.ErrTerminal) {
		return err
	}
	e.cfg.emitter.Emit(emit.Event{
		InstanceID: instanceID,
		Msg:        emit.InstanceFailed,
		Meta:       map[string]any{"error": cause.Error()},
	})
	return cause
}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
