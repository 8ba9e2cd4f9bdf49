package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type window struct {
	count int
	end   time.Time
}

// MemoryStore keeps counters in process memory. Counters are lost on restart
// and not shared between processes; use RedisStore for that.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Incr counts one request for key
func (m *MemoryStore) Incr(_ context.Context, key string, d time.Duration, now time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.end) {
		w = &window{end: now.Add(d)}
		m.windows[key] = w
	}
	w.count++
	return w.count, w.end, nil
}

// Purge drops ended windows
func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, w := range m.windows {
		if !now.Before(w.end) {
			delete(m.windows, k)
			n++
		}
	}
	return n, nil
}

// Reset drops every counter
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = make(map[string]*window)
}

// Len returns the number of live counters
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// RedisStore shares counters between processes with INCR and PEXPIRE
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed counter store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Incr counts one request for key. The window starts at the first INCR and
// ends when the key expires.
func (s *RedisStore) Incr(ctx context.Context, key string, d time.Duration, now time.Time) (int, time.Time, error) {
	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		pttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	ttl := pttl.Val()
	// A negative TTL means the key has no expiry yet, either because this INCR
	// created it or because an earlier PEXPIRE never ran.
	if ttl < 0 {
		if err := s.client.PExpire(ctx, key, d).Err(); err != nil {
			return 0, time.Time{}, err
		}
		ttl = d
	}
	return int(incr.Val()), now.Add(ttl), nil
}

// Purge is a no-op: Redis expires counters itself
func (s *RedisStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
