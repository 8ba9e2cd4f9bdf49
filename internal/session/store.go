package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound is returned for unknown, expired or revoked sessions
var ErrSessionNotFound = errors.New("session not found")

// Session is the server-side record behind a current-format token. Identity
// fields never change after Create.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"userId"`
	OpenID    string    `json:"openId"`
	Name      string    `json:"name"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store persists sessions so they can be revoked
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID int64) (int, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore keeps sessions in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[int64]map[string]struct{}
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Session),
		byUser: make(map[int64]map[string]struct{}),
	}
}

// Create stores a new session
func (m *MemoryStore) Create(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *sess
	m.byID[sess.ID] = &c
	ids, ok := m.byUser[sess.UserID]
	if !ok {
		ids = make(map[string]struct{})
		m.byUser[sess.UserID] = ids
	}
	ids[sess.ID] = struct{}{}
	return nil
}

// Get returns a copy of the session
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	c := *sess
	return &c, nil
}

// Revoke removes one session
func (m *MemoryStore) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
	return nil
}

// RevokeAllForUser removes every session of a user
func (m *MemoryStore) RevokeAllForUser(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.byUser[userID] {
		m.removeLocked(id)
		n++
	}
	delete(m.byUser, userID)
	return n, nil
}

// PurgeExpired drops sessions past their expiry
func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, sess := range m.byID {
		if sess.Expired(now) {
			m.removeLocked(id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *MemoryStore) removeLocked(id string) {
	sess, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	if ids, ok := m.byUser[sess.UserID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.byUser, sess.UserID)
		}
	}
}
