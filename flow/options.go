package flow

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/tessellate-io/flowline/flow/emit"
)

// engineConfig holds tunables applied through functional options.
type engineConfig struct {
	engineID          string
	lockTTL           time.Duration
	renewInterval     time.Duration
	heartbeatInterval time.Duration
	maxConcurrency    int
	emitter           emit.Emitter
	metrics           *PrometheusMetrics
	rng               *rand.Rand
}

func defaultConfig() engineConfig {
	return engineConfig{
		lockTTL:           30 * time.Second,
		renewInterval:     10 * time.Second,
		heartbeatInterval: 30 * time.Second,
		maxConcurrency:    8,
		emitter:           emit.NewNullEmitter(),
	}
}

// Option configures an Engine.
type Option func(*engineConfig) error

// WithEngineID sets the engine's identity, recorded as the owner_engine of
// every instance it drives. Defaults to the lock package's owner token host
// part when unset.
func WithEngineID(id string) Option {
	return func(c *engineConfig) error {
		if id == "" {
			return fmt.Errorf("engine id cannot be empty")
		}
		c.engineID = id
		return nil
	}
}

// WithLockTTL sets the distributed lock TTL. The renewal interval must stay
// well below it; see WithRenewInterval.
func WithLockTTL(d time.Duration) Option {
	return func(c *engineConfig) error {
		if d <= 0 {
			return fmt.Errorf("lock TTL must be positive")
		}
		c.lockTTL = d
		return nil
	}
}

// WithRenewInterval sets the lock keeper's renewal period. Must be shorter
// than the lock TTL.
func WithRenewInterval(d time.Duration) Option {
	return func(c *engineConfig) error {
		if d <= 0 {
			return fmt.Errorf("renew interval must be positive")
		}
		c.renewInterval = d
		return nil
	}
}

// WithHeartbeatInterval sets how often a driven instance's heartbeat is
// refreshed independently of node completions. The recovery threshold should
// be several multiples of this.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *engineConfig) error {
		if d <= 0 {
			return fmt.Errorf("heartbeat interval must be positive")
		}
		c.heartbeatInterval = d
		return nil
	}
}

// WithMaxConcurrency caps concurrent children of parallel nodes that do not
// declare their own limit.
func WithMaxConcurrency(n int) Option {
	return func(c *engineConfig) error {
		if n < 1 {
			return fmt.Errorf("max concurrency must be at least 1")
		}
		c.maxConcurrency = n
		return nil
	}
}

// WithEmitter sets the observability emitter. Defaults to a NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(c *engineConfig) error {
		if e == nil {
			return fmt.Errorf("emitter cannot be nil")
		}
		c.emitter = e
		return nil
	}
}

// WithMetrics attaches Prometheus metrics collection. Nil metrics disable
// collection without nil checks at call sites.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(c *engineConfig) error {
		c.metrics = m
		return nil
	}
}

// WithRand sets the random source used for backoff jitter. Intended for
// deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(c *engineConfig) error {
		c.rng = rng
		return nil
	}
}
