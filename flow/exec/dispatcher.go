package exec

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of one executor invocation.
type Result struct {
	// Output is the executor's returned map; nil on error.
	Output map[string]any

	// Err is the executor's error, a panic converted to an error, or a
	// lookup failure for an unregistered capability.
	Err error

	// Duration is wall-clock time spent inside the executor.
	Duration time.Duration
}

// Dispatcher invokes registered executors and normalizes their outcomes.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch runs the executor for in.Capability.
//
// A panicking executor is converted into an error result rather than taking
// down the driver loop; the engine treats it like any other node failure.
// Context cancellation is the executor's responsibility to observe, but a
// context already done before dispatch short-circuits without invoking it.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) Result {
	fn, ok := d.registry.Lookup(in.Capability)
	if !ok {
		return Result{Err: fmt.Errorf("no executor registered for capability %q", in.Capability)}
	}

	if err := ctx.Err(); err != nil {
		return Result{Err: err}
	}

	start := time.Now()
	out, err := invoke(ctx, fn, in)
	return Result{Output: out, Err: err, Duration: time.Since(start)}
}

func invoke(ctx context.Context, fn Func, in Input) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("executor for capability %q panicked: %v", in.Capability, r)
		}
	}()
	return fn(ctx, in)
}
