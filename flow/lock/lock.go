// Package lock provides the distributed mutual-exclusion primitive used to
// serialize access to workflow instances across engine processes.
//
// The package is split into two layers:
//
//   - Store: a thin contract over a shared key-value service supporting
//     atomic set-if-absent, owner-checked extend, and owner-checked delete.
//     RedisStore is the production implementation; MemStore backs tests and
//     single-process deployments.
//   - Manager: acquire/renew/release/force-release semantics built on a
//     Store, plus the Keeper that renews a held lock on an independent timer.
//
// A lock is identified by a free-form key and held by an owner token. Owner
// tokens identify the acquiring process and attempt, not just the host, so a
// process can never release or extend a lock it lost to someone else.
package lock

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrLockLost indicates a renew failed because the stored owner no longer
// matches: the lock expired and may have been re-acquired by another process.
var ErrLockLost = errors.New("lock lost: owner no longer holds the lock")

// Store is the key-value contract the lock layer needs from a shared store.
//
// All three mutating operations must be atomic against the backing service;
// read-then-write sequences would race between two engine processes.
type Store interface {
	// SetIfAbsent creates key=owner with the given TTL only if the key does
	// not currently exist (or has expired). Returns true if the key was
	// created, false if a live entry is already present.
	SetIfAbsent(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// CompareAndExtend resets the TTL only if the stored value equals owner.
	// Returns false if the key is absent or held by a different owner.
	CompareAndExtend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes the key only if the stored value equals owner.
	// Returns false if the key is absent or held by a different owner.
	CompareAndDelete(ctx context.Context, key, owner string) (bool, error)

	// Delete removes the key unconditionally. Used only by failover handling
	// once an owner is confirmed dead.
	Delete(ctx context.Context, key string) error

	// Get returns the current owner of key, or ok=false if no live lock
	// exists. The recovery service probes this before attempting a takeover.
	Get(ctx context.Context, key string) (owner string, ok bool, err error)
}

// Manager implements distributed lock semantics over a Store.
//
// A failed Acquire is a normal negative result, never an error; transient
// store failures surface as errors and are retried by the caller with
// bounded backoff.
type Manager struct {
	store Store
}

// NewManager creates a Manager backed by the given Store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// NewOwnerToken mints an owner token for one acquisition attempt.
//
// The token embeds the hostname for operator-facing diagnostics and a UUID
// so that two attempts from the same host remain distinguishable.
func NewOwnerToken() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "/" + uuid.NewString()
}

// Acquire attempts to take the lock for key on behalf of owner.
//
// Returns true if the lock was taken, false if a live lock with a different
// owner exists. The operation is a single atomic conditional set.
func (m *Manager) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return m.store.SetIfAbsent(ctx, key, owner, ttl)
}

// Renew extends the lock's expiry only if owner still holds it.
//
// A false return means ownership was lost; the caller must stop driving the
// protected resource rather than continue on an expired lock.
func (m *Manager) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return m.store.CompareAndExtend(ctx, key, owner, ttl)
}

// Release deletes the lock only if owner still holds it.
//
// A non-matching owner reports false rather than a no-op success so callers
// can detect they no longer held the lock at release time.
func (m *Manager) Release(ctx context.Context, key, owner string) (bool, error) {
	return m.store.CompareAndDelete(ctx, key, owner)
}

// ForceRelease unconditionally deletes the lock record.
//
// Administrative operation: only valid when the owner is confirmed dead
// (e.g. its engine instance has been removed from the scheduler registry).
func (m *Manager) ForceRelease(ctx context.Context, key string) error {
	return m.store.Delete(ctx, key)
}

// Probe reports the current owner of key without mutating anything.
func (m *Manager) Probe(ctx context.Context, key string) (string, bool, error) {
	return m.store.Get(ctx, key)
}
