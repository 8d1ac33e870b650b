// Package schedule assigns workflow instances to engines in a pool.
//
// Engines advertise themselves through a Registry with their capabilities
// and load figures; a Picker applies a Strategy to choose the engine that
// should drive the next instance. Selection is advisory: whichever engine
// is chosen still has to win the instance lock, so a stale pick costs a
// failed acquire, never a double execution.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Strategy names an engine-selection policy.
type Strategy string

const (
	// StrategyRoundRobin rotates over the eligible engines in ID order.
	StrategyRoundRobin Strategy = "round-robin"

	// StrategyLoadBalanced picks the eligible engine with the lowest
	// weighted load score.
	StrategyLoadBalanced Strategy = "load-balanced"

	// StrategyCapability picks the least loaded engine matching the
	// required capabilities. The capability filter applies to every
	// strategy; the name exists so configs can ask for it by itself.
	StrategyCapability Strategy = "capability"

	// StrategyAffinity prefers the requirement's preferred engine and
	// falls back to round-robin rotation when it is not eligible.
	StrategyAffinity Strategy = "affinity"

	// StrategyAdaptive switches between round-robin and load-balanced
	// depending on how uneven the pool's load is.
	StrategyAdaptive Strategy = "adaptive"
)

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyLoadBalanced, StrategyCapability, StrategyAffinity, StrategyAdaptive:
		return Strategy(s), nil
	case "":
		return StrategyLoadBalanced, nil
	}
	return "", fmt.Errorf("unknown scheduling strategy %q", s)
}

// ErrNoEligibleEngine indicates no registered engine satisfies the
// requirement (or the whole pool has gone stale).
var ErrNoEligibleEngine = errors.New("no eligible engine for requirement")

// EngineInstance is one engine's advertisement in the pool.
type EngineInstance struct {
	// ID is the engine's unique identity, stable across heartbeats.
	ID string `json:"id"`

	// Addr is the engine's reachable address, advisory for operators.
	Addr string `json:"addr,omitempty"`

	// Capabilities lists the executor capabilities this engine has
	// registered. An engine can only drive definitions whose nodes it
	// can execute.
	Capabilities []string `json:"capabilities,omitempty"`

	// CPUPercent and MemPercent are the engine's most recent utilization
	// samples, 0-100.
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`

	// ActiveInstances counts workflow instances the engine is currently
	// driving.
	ActiveInstances int `json:"active_instances"`

	// LastSeen is when the engine last heartbeat into the registry.
	LastSeen time.Time `json:"last_seen"`
}

// HasCapabilities reports whether the engine advertises a superset of the
// required capabilities.
func (e *EngineInstance) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(e.Capabilities))
	for _, c := range e.Capabilities {
		have[c] = true
	}
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}

// loadScore is the weighted load figure selection minimizes. Active
// instances dominate so a busy engine with idle CPU still sheds work.
func (e *EngineInstance) loadScore() float64 {
	return 0.5*e.CPUPercent + 0.3*e.MemPercent + 2.0*float64(e.ActiveInstances)
}

// Requirement describes what an instance needs from its engine.
type Requirement struct {
	// Capabilities the driving engine must have registered.
	Capabilities []string

	// PreferredEngine biases affinity selection toward one engine,
	// typically the one already holding warm state for the tenant.
	PreferredEngine string
}

// Eligible filters engines down to those that satisfy the requirement,
// sorted by ID for deterministic iteration. Engines whose last heartbeat is
// older than staleAfter are excluded; zero staleAfter disables the check.
func Eligible(engines []EngineInstance, req Requirement, staleAfter time.Duration, now time.Time) []EngineInstance {
	out := make([]EngineInstance, 0, len(engines))
	for _, e := range engines {
		if staleAfter > 0 && now.Sub(e.LastSeen) > staleAfter {
			continue
		}
		if !e.HasCapabilities(req.Capabilities) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SelectRoundRobin picks the tick'th eligible engine, rotating in ID order.
func SelectRoundRobin(eligible []EngineInstance, tick uint64) (EngineInstance, error) {
	if len(eligible) == 0 {
		return EngineInstance{}, ErrNoEligibleEngine
	}
	return eligible[tick%uint64(len(eligible))], nil
}

// SelectLoadBalanced picks the eligible engine with the lowest load score,
// breaking ties by ID.
func SelectLoadBalanced(eligible []EngineInstance) (EngineInstance, error) {
	if len(eligible) == 0 {
		return EngineInstance{}, ErrNoEligibleEngine
	}
	best := eligible[0]
	for _, e := range eligible[1:] {
		if e.loadScore() < best.loadScore() {
			best = e
		}
	}
	return best, nil
}

// SelectAffinity picks the preferred engine when it is eligible, falling
// back to round-robin rotation otherwise. An empty preference degrades to
// plain rotation.
func SelectAffinity(eligible []EngineInstance, preferred string, tick uint64) (EngineInstance, error) {
	for _, e := range eligible {
		if e.ID == preferred {
			return e, nil
		}
	}
	return SelectRoundRobin(eligible, tick)
}

// adaptiveSpread is the load-score spread beyond which the pool counts as
// uneven and adaptive selection switches to load balancing.
const adaptiveSpread = 10.0

// SelectAdaptive uses round-robin while the pool's load is even and
// load-balanced selection once the spread between the least and most
// loaded engine passes a threshold.
func SelectAdaptive(eligible []EngineInstance, tick uint64) (EngineInstance, error) {
	if len(eligible) == 0 {
		return EngineInstance{}, ErrNoEligibleEngine
	}
	min, max := eligible[0].loadScore(), eligible[0].loadScore()
	for _, e := range eligible[1:] {
		s := e.loadScore()
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	if max-min > adaptiveSpread {
		return SelectLoadBalanced(eligible)
	}
	return SelectRoundRobin(eligible, tick)
}
