package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tessellate-io/flowline/flow/emit"
	"github.com/tessellate-io/flowline/flow/exec"
	"github.com/tessellate-io/flowline/flow/store"
)

// runParallel drives a parallel node: it evaluates the source path to a
// list, fans out one child task per item, executes them with bounded
// concurrency, and applies the join policy to the children's outcomes.
//
// Children are persisted as task node records sharing the parent record's
// ID as their parallel group, so a crash mid-group resumes exactly where it
// left off: completed children keep their outputs, running children are
// reset to pending, and only the unfinished remainder re-executes.
func (e *Engine) runParallel(ctx context.Context, def *WorkflowDefinition, instanceID string, nodeDef *NodeDefinition, ec *ExecContext, records map[string]*store.TaskNode) error {
	parent, err := e.ensureRecord(ctx, instanceID, nodeDef, records)
	if err != nil {
		return err
	}

	items, err := e.sourceItems(ec, nodeDef)
	if err != nil {
		return e.failInstance(ctx, instanceID, err)
	}

	now := time.Now()
	parent.Status = store.NodeRunning
	parent.StartedAt = &now
	if err := e.store.UpdateNode(ctx, parent); err != nil {
		return err
	}
	e.cfg.emitter.Emit(emit.Event{
		InstanceID: instanceID,
		NodeKey:    nodeDef.Key,
		NodeID:     parent.ID,
		Msg:        emit.NodeStarted,
		Meta:       map[string]any{"capability": nodeDef.Capability, "fan_out": len(items)},
	})

	if len(items) == 0 {
		return e.completeParallel(ctx, instanceID, nodeDef, parent, ec, nil, 0, 0)
	}

	children, err := e.store.ListNodesByGroup(ctx, instanceID, parent.ID)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		children = buildChildren(instanceID, parent.ID, nodeDef, items)
		if err := e.store.CreateNodes(ctx, children); err != nil {
			return err
		}
	}

	limit := nodeDef.MaxConcurrency
	if limit <= 0 {
		limit = e.cfg.maxConcurrency
	}
	join := nodeDef.joinOrDefault()

	groupCtx, cancelGroup := context.WithCancel(ctx)
	defer cancelGroup()

	var mu sync.Mutex
	outputs := make([]map[string]any, len(children))
	succeeded, failedCount := 0, 0
	var firstErr error

	// Resumed children that already finished count without re-executing.
	for _, child := range children {
		switch child.Status {
		case store.NodeCompleted:
			outputs[child.ParallelIndex] = child.Output
			succeeded++
		case store.NodeFailed:
			failedCount++
			if firstErr == nil {
				firstErr = &NodeError{NodeKey: child.NodeKey, Attempt: child.RetryCount + 1, Err: errors.New(child.Error)}
			}
		}
	}

	g, gctx := errgroup.WithContext(groupCtx)
	g.SetLimit(limit)
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		child := child
		g.Go(func() error {
			out, err := e.runChild(gctx, def, instanceID, nodeDef, child, ec.Snapshot())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					// Canceled by a sibling or the driver, not a real failure.
					return nil
				}
				failedCount++
				if firstErr == nil {
					firstErr = err
				}
				if join == JoinAll {
					return err // fail fast: cancel the remaining siblings
				}
				return nil
			}
			outputs[child.ParallelIndex] = out
			succeeded++
			if join == JoinAny {
				cancelGroup() // one success is enough
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		// Driver shutdown or lock loss: children stay pending for resume.
		return err
	}

	// Group-local cancellation only: the remaining children will never run.
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		child.Status = store.NodeSkipped
		if err := e.store.UpdateNode(ctx, child); err != nil {
			return err
		}
	}

	ok := false
	switch join {
	case JoinAll:
		ok = failedCount == 0 && succeeded == len(children)
	case JoinAny:
		ok = succeeded > 0
	case JoinBestEffort:
		ok = true
	}

	if !ok {
		if firstErr == nil {
			firstErr = &EngineError{Message: fmt.Sprintf("parallel node %s produced no successful children", nodeDef.Key), Code: "join_unsatisfied"}
		}
		done := time.Now()
		parent.Status = store.NodeFailed
		parent.Error = firstErr.Error()
		parent.CompletedAt = &done
		if err := e.store.CompleteNode(ctx, instanceID, store.CompletedStep{Node: parent}); err != nil {
			if errors.Is(err, store.ErrTerminal) {
				return nil
			}
			return err
		}
		e.cfg.emitter.Emit(emit.Event{
			InstanceID: instanceID,
			NodeKey:    nodeDef.Key,
			NodeID:     parent.ID,
			Msg:        emit.NodeFailed,
			Meta:       map[string]any{"error": firstErr.Error(), "succeeded": succeeded, "failed": failedCount},
		})
		return &NodeError{NodeKey: nodeDef.Key, Attempt: 1, Err: firstErr}
	}

	return e.completeParallel(ctx, instanceID, nodeDef, parent, ec, outputs, succeeded, failedCount)
}

func (e *Engine) completeParallel(ctx context.Context, instanceID string, nodeDef *NodeDefinition, parent *store.TaskNode, ec *ExecContext, outputs []map[string]any, succeeded, failedCount int) error {
	results := make([]any, len(outputs))
	for i, out := range outputs {
		if out != nil {
			results[i] = out
		}
	}
	joined := map[string]any{
		"results":   results,
		"succeeded": succeeded,
		"failed":    failedCount,
		"total":     len(outputs),
	}

	done := time.Now()
	parent.Status = store.NodeCompleted
	parent.Output = joined
	parent.Error = ""
	parent.CompletedAt = &done
	if err := e.store.CompleteNode(ctx, instanceID, store.CompletedStep{Node: parent, AdvanceCurrent: true}); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return nil
		}
		return err
	}
	ec.SetNodeOutput(nodeDef.Key, joined)
	e.cfg.emitter.Emit(emit.Event{
		InstanceID: instanceID,
		NodeKey:    nodeDef.Key,
		NodeID:     parent.ID,
		Msg:        emit.NodeCompleted,
		Meta:       map[string]any{"succeeded": succeeded, "failed": failedCount, "total": len(outputs)},
	})
	return nil
}

// sourceItems resolves the parallel node's source path to the fan-out list.
func (e *Engine) sourceItems(ec *ExecContext, nodeDef *NodeDefinition) ([]any, error) {
	v, ok := ec.Lookup(nodeDef.Source)
	if !ok {
		return nil, &EngineError{
			Message: fmt.Sprintf("parallel source %q not found in execution context", nodeDef.Source),
			Code:    "missing_source",
		}
	}
	items, ok := v.([]any)
	if !ok {
		return nil, &EngineError{
			Message: fmt.Sprintf("parallel source %q is %T, want a list", nodeDef.Source, v),
			Code:    "invalid_source",
		}
	}
	return items, nil
}

func buildChildren(instanceID, groupID string, nodeDef *NodeDefinition, items []any) []*store.TaskNode {
	children := make([]*store.TaskNode, len(items))
	for i, item := range items {
		payload := make(map[string]any, len(nodeDef.Config)+2)
		for k, v := range nodeDef.Config {
			payload[k] = v
		}
		payload["item"] = item
		payload["index"] = i

		children[i] = &store.TaskNode{
			ID:              uuid.NewString(),
			InstanceID:      instanceID,
			NodeKey:         fmt.Sprintf("%s[%d]", nodeDef.Key, i),
			Status:          store.NodePending,
			Input:           payload,
			MaxRetries:      nodeDef.Retry.MaxRetries,
			ParallelGroupID: groupID,
			ParallelIndex:   i,
		}
	}
	return children
}

// runChild executes one fan-out child through its attempts. Child state is
// persisted with UpdateNode only; the parent's CompleteNode applies the
// joined outcome to the instance.
func (e *Engine) runChild(ctx context.Context, def *WorkflowDefinition, instanceID string, nodeDef *NodeDefinition, node *store.TaskNode, snapshot map[string]any) (map[string]any, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempt := node.RetryCount + 1
		now := time.Now()
		node.Status = store.NodeRunning
		node.StartedAt = &now
		if err := e.store.UpdateNode(ctx, node); err != nil {
			return nil, err
		}

		e.cfg.emitter.Emit(emit.Event{
			InstanceID: instanceID,
			NodeKey:    node.NodeKey,
			NodeID:     node.ID,
			Msg:        emit.NodeStarted,
			Meta:       map[string]any{"attempt": attempt, "capability": nodeDef.Capability},
		})
		e.cfg.metrics.NodeStarted()

		res := e.dispatcher.Dispatch(ctx, exec.Input{
			InstanceID: instanceID,
			NodeID:     node.ID,
			NodeKey:    node.NodeKey,
			Capability: nodeDef.Capability,
			Attempt:    attempt,
			Payload:    node.Input,
			Context:    snapshot,
		})

		if res.Err == nil {
			done := time.Now()
			node.Status = store.NodeCompleted
			node.Output = res.Output
			node.Error = ""
			node.CompletedAt = &done
			if err := e.store.UpdateNode(ctx, node); err != nil {
				return nil, err
			}
			e.cfg.metrics.NodeFinished(def.Name, node.NodeKey, "success", res.Duration)
			e.cfg.emitter.Emit(emit.Event{
				InstanceID: instanceID,
				NodeKey:    node.NodeKey,
				NodeID:     node.ID,
				Msg:        emit.NodeCompleted,
				Meta:       map[string]any{"attempt": attempt, "duration_ms": res.Duration.Milliseconds()},
			})
			return res.Output, nil
		}

		if ctx.Err() != nil {
			// Reset so a resume re-runs the attempt; the write must outlive
			// the canceled context.
			node.Status = store.NodePending
			_ = e.store.UpdateNode(context.WithoutCancel(ctx), node)
			return nil, ctx.Err()
		}

		e.cfg.metrics.NodeFinished(def.Name, node.NodeKey, "error", res.Duration)
		e.cfg.emitter.Emit(emit.Event{
			InstanceID: instanceID,
			NodeKey:    node.NodeKey,
			NodeID:     node.ID,
			Msg:        emit.NodeFailed,
			Meta:       map[string]any{"attempt": attempt, "error": res.Err.Error()},
		})

		if node.RetryCount < node.MaxRetries {
			node.Status = store.NodePending
			node.Error = res.Err.Error()
			node.RetryCount++
			if err := e.store.UpdateNode(ctx, node); err != nil {
				return nil, err
			}
			e.cfg.metrics.Retry(def.Name, node.NodeKey)
			e.cfg.emitter.Emit(emit.Event{
				InstanceID: instanceID,
				NodeKey:    node.NodeKey,
				NodeID:     node.ID,
				Msg:        emit.NodeRetried,
				Meta:       map[string]any{"attempt": attempt},
			})

			delay := e.backoff(node.RetryCount-1, nodeDef.Retry)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		done := time.Now()
		node.Status = store.NodeFailed
		node.Error = res.Err.Error()
		node.CompletedAt = &done
		if err := e.store.UpdateNode(ctx, node); err != nil {
			return nil, err
		}
		return nil, &NodeError{NodeKey: node.NodeKey, Attempt: attempt, Err: res.Err}
	}
}
