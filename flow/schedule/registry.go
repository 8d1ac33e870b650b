package schedule

import (
	"sync"
	"sync/atomic"
	"time"
)

// Registry tracks the live engine pool. Engines Upsert themselves on every
// heartbeat; entries that stop heartbeating age out of Snapshot.
//
// Thread-safe for concurrent use by multiple goroutines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineInstance

	staleAfter time.Duration

	// now is swappable so tests can step through staleness.
	now func() time.Time
}

// NewRegistry creates a registry whose Snapshot drops engines not seen
// within staleAfter. Zero staleAfter keeps every entry forever.
func NewRegistry(staleAfter time.Duration) *Registry {
	return &Registry{
		engines:    make(map[string]EngineInstance),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetClock replaces the registry's time source for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Upsert records an engine heartbeat, stamping LastSeen.
func (r *Registry) Upsert(e EngineInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.LastSeen = r.now()
	r.engines[e.ID] = e
}

// Remove drops an engine, typically on graceful shutdown.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, id)
}

// Snapshot returns the engines seen within the staleness window.
func (r *Registry) Snapshot() []EngineInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]EngineInstance, 0, len(r.engines))
	for _, e := range r.engines {
		if r.staleAfter > 0 && now.Sub(e.LastSeen) > r.staleAfter {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Picker selects engines from a registry under one strategy.
type Picker struct {
	registry *Registry
	strategy Strategy
	tick     atomic.Uint64
}

// NewPicker creates a picker over the registry.
func NewPicker(registry *Registry, strategy Strategy) *Picker {
	return &Picker{registry: registry, strategy: strategy}
}

func (r *Registry) clock() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now()
}

// Pick selects the engine that should drive the next instance matching the
// requirement.
func (p *Picker) Pick(req Requirement) (EngineInstance, error) {
	eligible := Eligible(p.registry.Snapshot(), req, p.registry.staleAfter, p.registry.clock())

	switch p.strategy {
	case StrategyRoundRobin:
		return SelectRoundRobin(eligible, p.tick.Add(1)-1)
	case StrategyAffinity:
		return SelectAffinity(eligible, req.PreferredEngine, p.tick.Add(1)-1)
	case StrategyAdaptive:
		return SelectAdaptive(eligible, p.tick.Add(1)-1)
	default:
		return SelectLoadBalanced(eligible)
	}
}
