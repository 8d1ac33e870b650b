package lock

import (
	"context"
	"sync"
	"time"
)

// Keeper renews a held lock on an independent timer.
//
// Renewal must be decoupled from node-execution latency: a long-running
// executor call would otherwise starve renewal and let the recovery service
// mistake a healthy instance for an abandoned one. The Keeper runs in its
// own goroutine and renews at a fraction of the TTL.
//
// When a renewal reports that ownership was lost, the Keeper invokes the
// OnLost callback exactly once and stops. The driver loop reacts by pausing
// the instance rather than continuing to execute on an expired lock.
type Keeper struct {
	manager *Manager
	key     string
	owner   string
	ttl     time.Duration

	// interval between renew attempts. Defaults to ttl/3.
	interval time.Duration

	// onLost is invoked once when ownership is lost or renewal errors
	// persist beyond the TTL window.
	onLost func(err error)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// KeeperConfig configures a Keeper. Key, Owner, and TTL are required.
type KeeperConfig struct {
	Key   string
	Owner string
	TTL   time.Duration

	// Interval between renewals. If zero, TTL/3 is used.
	Interval time.Duration

	// OnLost is called once, from the keeper goroutine, when the lock can no
	// longer be held. The error is ErrLockLost for an owner mismatch or the
	// last store error when the store stayed unreachable past the TTL.
	OnLost func(err error)
}

// StartKeeper begins renewing the given lock until Stop is called or
// ownership is lost.
func (m *Manager) StartKeeper(ctx context.Context, cfg KeeperConfig) *Keeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = cfg.TTL / 3
	}

	k := &Keeper{
		manager:  m,
		key:      cfg.Key,
		owner:    cfg.Owner,
		ttl:      cfg.TTL,
		interval: interval,
		onLost:   cfg.OnLost,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go k.run(ctx)
	return k
}

// Stop halts renewal. It does not release the lock; callers release
// explicitly so the release outcome can be observed.
func (k *Keeper) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
	<-k.doneCh
}

func (k *Keeper) run(ctx context.Context) {
	defer close(k.doneCh)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	// deadline tracks how long transient store errors may accumulate before
	// the lock must be presumed lost: once the TTL window passes without a
	// successful renewal, another engine may already own the key.
	deadline := time.Now().Add(k.ttl)

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stopCh:
			return
		case <-ticker.C:
			ok, err := k.manager.Renew(ctx, k.key, k.owner, k.ttl)
			switch {
			case err != nil:
				if time.Now().After(deadline) {
					k.lost(err)
					return
				}
				// Transient store error inside the TTL window; retry on the
				// next tick.
			case !ok:
				k.lost(ErrLockLost)
				return
			default:
				deadline = time.Now().Add(k.ttl)
			}
		}
	}
}

func (k *Keeper) lost(err error) {
	if k.onLost != nil {
		k.onLost(err)
	}
}
