package password

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultMaxAttempts is the number of consecutive failures that locks an account
	DefaultMaxAttempts = 5
	// DefaultLockoutDuration is how long a locked account stays locked
	DefaultLockoutDuration = 15 * time.Minute
)

// LockoutError is returned while an account is locked
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter.Round(time.Second))
}

// LockoutState is the persisted failure counter for one identifier
type LockoutState struct {
	FailedAttempts int
	LockedUntil    time.Time
	LastFailedAt   time.Time
}

// Locked reports whether the state locks the account at now
func (s LockoutState) Locked(now time.Time) bool {
	return !s.LockedUntil.IsZero() && now.Before(s.LockedUntil)
}

// LockoutStore persists lockout state per identifier
type LockoutStore interface {
	Load(ctx context.Context, id string) (LockoutState, error)
	Save(ctx context.Context, id string, state LockoutState) error
	Delete(ctx context.Context, id string) error
}

// LockoutConfig configures Lockout
type LockoutConfig struct {
	MaxAttempts int
	Duration    time.Duration
	// Now is the clock; nil means time.Now
	Now func() time.Time
}

// Lockout tracks consecutive failed logins and locks accounts
type Lockout struct {
	store       LockoutStore
	maxAttempts int
	duration    time.Duration
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*idLock
}

// idLock serializes RecordFailure per identifier; it is removed once no
// caller holds or waits on it.
type idLock struct {
	sync.Mutex
	refs int
}

// NewLockout creates a lockout tracker over store
func NewLockout(store LockoutStore, cfg LockoutConfig) *Lockout {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultLockoutDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Lockout{
		store:       store,
		maxAttempts: cfg.MaxAttempts,
		duration:    cfg.Duration,
		now:         cfg.Now,
		locks:       make(map[string]*idLock),
	}
}

// MaxAttempts returns the configured failure threshold
func (l *Lockout) MaxAttempts() int { return l.maxAttempts }

func (l *Lockout) acquire(id string) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &idLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.Lock()
	return func() {
		lk.Unlock()
		l.mu.Lock()
		if lk.refs--; lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// Check returns *LockoutError while id is locked
func (l *Lockout) Check(ctx context.Context, id string) error {
	st, err := l.store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load lockout state: %w", err)
	}
	now := l.now()
	if st.Locked(now) {
		return &LockoutError{RetryAfter: st.LockedUntil.Sub(now)}
	}
	return nil
}

// RecordFailure counts one failed attempt and locks the account once the
// threshold is reached. An expired lock starts a fresh count.
func (l *Lockout) RecordFailure(ctx context.Context, id string) (LockoutState, error) {
	release := l.acquire(id)
	defer release()

	st, err := l.store.Load(ctx, id)
	if err != nil {
		return LockoutState{}, fmt.Errorf("load lockout state: %w", err)
	}
	now := l.now()
	if !st.LockedUntil.IsZero() && !st.Locked(now) {
		st = LockoutState{}
	}
	st.FailedAttempts++
	st.LastFailedAt = now
	if st.FailedAttempts >= l.maxAttempts {
		st.LockedUntil = now.Add(l.duration)
	}
	if err := l.store.Save(ctx, id, st); err != nil {
		return LockoutState{}, fmt.Errorf("save lockout state: %w", err)
	}
	return st, nil
}

// Clear resets the failure counter after a successful login
func (l *Lockout) Clear(ctx context.Context, id string) error {
	if err := l.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("clear lockout state: %w", err)
	}
	return nil
}

// Purge drops in-memory bookkeeping for expired entries. Stores that expire on
// their own ignore it.
func (l *Lockout) Purge() {
	if p, ok := l.store.(interface{ PurgeExpired(now time.Time) int }); ok {
		p.PurgeExpired(l.now())
	}
}

// MemoryLockoutStore keeps lockout state in process memory
type MemoryLockoutStore struct {
	mu      sync.Mutex
	entries map[string]LockoutState
}

// NewMemoryLockoutStore creates an empty memory store
func NewMemoryLockoutStore() *MemoryLockoutStore {
	return &MemoryLockoutStore{entries: make(map[string]LockoutState)}
}

// Load returns the state for id, zero when absent
func (s *MemoryLockoutStore) Load(_ context.Context, id string) (LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id], nil
}

// Save stores the state for id
func (s *MemoryLockoutStore) Save(_ context.Context, id string, st LockoutState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = st
	return nil
}

// Delete removes the state for id
func (s *MemoryLockoutStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// PurgeExpired drops entries whose lock has lapsed
func (s *MemoryLockoutStore) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, st := range s.entries {
		if !st.LockedUntil.IsZero() && !st.Locked(now) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}
