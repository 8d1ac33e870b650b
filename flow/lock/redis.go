package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a Redis-compatible service.
//
// Acquire maps to SET NX PX, which Redis guarantees to be atomic. Renew and
// release need an owner comparison and a mutation in one step, so both run
// as server-side Lua scripts; a GET followed by a client-side EXPIRE or DEL
// would race with expiry and re-acquisition by another engine.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// extendScript resets the TTL only when the stored owner matches ARGV[1].
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// deleteScript removes the key only when the stored owner matches ARGV[1].
var deleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisStore creates a RedisStore using the given client.
//
// All keys are namespaced with prefix (e.g. "flowline:lock:") so one Redis
// deployment can serve several engine pools.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// SetIfAbsent implements Store using SET NX with a millisecond TTL.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndExtend implements Store with an atomic owner-checked PEXPIRE.
func (s *RedisStore) CompareAndExtend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, s.client, []string{s.key(key)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lock extend %s: %w", key, err)
	}
	return res == 1, nil
}

// CompareAndDelete implements Store with an atomic owner-checked DEL.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, owner string) (bool, error) {
	res, err := deleteScript.Run(ctx, s.client, []string{s.key(key)}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("lock delete %s: %w", key, err)
	}
	return res == 1, nil
}

// Delete implements Store with an unconditional DEL.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("lock force delete %s: %w", key, err)
	}
	return nil
}

// Get implements Store. A missing key reports ok=false with a nil error.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	owner, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lock get %s: %w", key, err)
	}
	return owner, true, nil
}
