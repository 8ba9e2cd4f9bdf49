package password

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockoutKeyPrefix = "guard:lockout:"

// RedisLockoutStore shares lockout state between processes using Redis hashes
type RedisLockoutStore struct {
	client *redis.Client
	// idleTTL expires failure counters that never reached a lock
	idleTTL time.Duration
}

// NewRedisLockoutStore creates a lockout store backed by Redis
func NewRedisLockoutStore(client *redis.Client) *RedisLockoutStore {
	return &RedisLockoutStore{client: client, idleTTL: 24 * time.Hour}
}

// LockoutKey returns the Redis key for an identifier
func LockoutKey(id string) string {
	return lockoutKeyPrefix + id
}

// Load returns the state for id, zero when absent
func (s *RedisLockoutStore) Load(ctx context.Context, id string) (LockoutState, error) {
	data, err := s.client.HGetAll(ctx, LockoutKey(id)).Result()
	if err != nil {
		return LockoutState{}, err
	}
	return decodeLockout(data), nil
}

// Save writes the state for id and refreshes its expiry
func (s *RedisLockoutStore) Save(ctx context.Context, id string, st LockoutState) error {
	key := LockoutKey(id)
	ttl := s.idleTTL
	if remaining := time.Until(st.LockedUntil); remaining > ttl {
		ttl = remaining
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, encodeLockout(st))
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

// Delete removes the state for id
func (s *RedisLockoutStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, LockoutKey(id)).Err()
}

func encodeLockout(st LockoutState) map[string]any {
	return map[string]any{
		"failed_attempts": st.FailedAttempts,
		"locked_until":    unixMilli(st.LockedUntil),
		"last_failed_at":  unixMilli(st.LastFailedAt),
	}
}

func decodeLockout(data map[string]string) LockoutState {
	var st LockoutState
	if n, err := strconv.Atoi(data["failed_attempts"]); err == nil {
		st.FailedAttempts = n
	}
	st.LockedUntil = fromUnixMilli(data["locked_until"])
	st.LastFailedAt = fromUnixMilli(data["last_failed_at"])
	return st
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
