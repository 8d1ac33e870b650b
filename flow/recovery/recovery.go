// Package recovery reclaims workflow instances abandoned by crashed
// engines.
//
// An instance counts as abandoned when its status is running but its
// heartbeat is older than the staleness cutoff AND nobody holds its
// distributed lock. Both must hold: a live lock with a stale heartbeat
// means the owner is alive but failing to heartbeat, and stealing from it
// would double-execute.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/tessellate-io/flowline/flow"
	"github.com/tessellate-io/flowline/flow/emit"
	"github.com/tessellate-io/flowline/flow/lock"
	"github.com/tessellate-io/flowline/flow/store"
)

// Driver drives a workflow instance to a stopping point. Satisfied by
// *flow.Engine.
type Driver interface {
	Drive(ctx context.Context, instanceID string) error
}

// Metrics receives failover counts. Satisfied by *flow.PrometheusMetrics.
type Metrics interface {
	Failover(definition string)
}

// Config tunes the recovery service. Zero values get sane defaults.
type Config struct {
	// EngineID identifies the reclaiming engine in events.
	EngineID string

	// Interval between sweeps. Defaults to 30s.
	Interval time.Duration

	// StaleAfter is how old an instance heartbeat must be before the
	// instance is a reclaim candidate. Must comfortably exceed the
	// engines' heartbeat interval. Defaults to 2m.
	StaleAfter time.Duration

	// Limit caps reclaims per sweep so one recovery pass cannot saturate
	// the engine. Defaults to 10.
	Limit int

	// Emitter receives reclaim events. Defaults to the null emitter.
	Emitter emit.Emitter

	// Metrics receives failover counts. Optional.
	Metrics Metrics

	// OnSweep, when set, observes each sweep's outcome from Run. The
	// daemon uses it to reflect recovery health in its liveness endpoint.
	OnSweep func(reclaimed int, err error)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 2 * time.Minute
	}
	if out.Limit <= 0 {
		out.Limit = 10
	}
	if out.Emitter == nil {
		out.Emitter = emit.NewNullEmitter()
	}
	return out
}

// Service periodically sweeps for abandoned instances and re-drives them.
type Service struct {
	store  store.Store
	locks  *lock.Manager
	driver Driver
	cfg    Config
}

// NewService creates a recovery service. The driver is typically the local
// *flow.Engine.
func NewService(st store.Store, locks *lock.Manager, driver Driver, cfg Config) *Service {
	return &Service{
		store:  st,
		locks:  locks,
		driver: driver,
		cfg:    cfg.withDefaults(),
	}
}

// Run sweeps on the configured interval until the context is canceled.
// Always returns the context's error.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if s.cfg.OnSweep != nil {
				s.cfg.OnSweep(n, err)
			}
		}
	}
}

// Sweep scans once and reclaims up to the configured limit of abandoned
// instances, oldest heartbeat first. Returns how many instances were
// actually re-driven.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.FindStaleRunningInstances(ctx, s.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}
	if len(stale) > s.cfg.Limit {
		stale = stale[:s.cfg.Limit] // the scan is oldest-first; keep the most abandoned
	}

	reclaimed := 0
	for _, inst := range stale {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		if s.reclaim(ctx, inst) {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// reclaim re-drives one stale instance if nobody holds its lock. Reports
// whether a drive was attempted.
func (s *Service) reclaim(ctx context.Context, inst *store.WorkflowInstance) bool {
	_, held, err := s.locks.Probe(ctx, flow.InstanceLockKey(inst.ID))
	if err != nil {
		return false
	}
	if held {
		// The previous owner is alive but slow to heartbeat. Not ours.
		return false
	}

	// Re-read before stealing: the owner may have finished or refreshed
	// between the scan and the probe.
	current, err := s.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return false
	}
	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	if current.Status != store.InstanceRunning || !current.LastHeartbeat.Before(cutoff) {
		return false
	}

	// Drive performs its own atomic lock acquisition; losing the race to
	// another recovering engine surfaces as ErrInstanceBusy and is fine.
	err = s.driver.Drive(ctx, inst.ID)
	switch {
	case errors.Is(err, flow.ErrInstanceBusy), errors.Is(err, flow.ErrMutexBusy):
		return false
	case errors.Is(err, flow.ErrDefinitionNotFound):
		// This engine never registered the definition. Leave the instance
		// running for a pool member that has it; failing it here would kill
		// work another engine can finish.
		return false
	}
	// Fatal node errors already moved the instance to failed; lock loss
	// leaves it running for the next sweep. Either way the drive happened.

	s.cfg.Emitter.Emit(emit.Event{
		InstanceID: inst.ID,
		Msg:        emit.RecoveryReclaimed,
		Meta: map[string]any{
			"engine":         s.cfg.EngineID,
			"previous_owner": current.OwnerEngine,
			"last_heartbeat": current.LastHeartbeat,
		},
	})
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Failover(current.DefinitionName)
	}
	return true
}
