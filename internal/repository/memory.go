package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryUserRepository is a process-local UserRepository + PermissionRepository.
// It backs the package tests.
type MemoryUserRepository struct {
	mu     sync.RWMutex
	nextID int64
	users  map[int64]*User
	perms  map[int64][]Permission
}

// NewMemoryUserRepository creates an empty in-memory user store
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		users: make(map[int64]*User),
		perms: make(map[int64][]Permission),
	}
}

func cloneUser(u *User) *User {
	c := *u
	return &c
}

// GetByID retrieves a user by ID
func (r *MemoryUserRepository) GetByID(_ context.Context, id int64) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

// GetByOpenID retrieves a user by openId
func (r *MemoryUserRepository) GetByOpenID(_ context.Context, openID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.OpenID == openID {
			return cloneUser(u), nil
		}
	}
	return nil, ErrUserNotFound
}

// Upsert inserts or refreshes a user keyed by openId
func (r *MemoryUserRepository) Upsert(_ context.Context, p UpsertUserParams) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	signedIn := now
	if p.LastSignedIn != nil {
		signedIn = *p.LastSignedIn
	}
	for _, u := range r.users {
		if u.OpenID == p.OpenID {
			if p.Name != "" {
				u.Name = p.Name
			}
			if p.Email != nil {
				u.Email = p.Email
			}
			u.LastSignedIn = &signedIn
			u.UpdatedAt = now
			return cloneUser(u), nil
		}
	}

	role := p.Role
	if role == "" {
		role = RoleUser
	}
	r.nextID++
	u := &User{
		ID:           r.nextID,
		OpenID:       p.OpenID,
		Name:         p.Name,
		Email:        p.Email,
		Role:         role,
		LastSignedIn: &signedIn,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.users[u.ID] = u
	return cloneUser(u), nil
}

// Update applies a partial update
func (r *MemoryUserRepository) Update(_ context.Context, id int64, upd UserUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = upd.PasswordHash
	}
	if upd.PasswordSalt != nil {
		u.PasswordSalt = upd.PasswordSalt
	}
	if upd.ClearLockout {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	}
	if upd.FailedLoginAttempts != nil {
		u.FailedLoginAttempts = *upd.FailedLoginAttempts
	}
	if upd.LockedUntil != nil {
		t := *upd.LockedUntil
		u.LockedUntil = &t
	}
	if upd.LastFailedLoginAt != nil {
		u.LastFailedLoginAt = upd.LastFailedLoginAt
	}
	if upd.LastLoginAt != nil {
		u.LastLoginAt = upd.LastLoginAt
	}
	if upd.LastSignedIn != nil {
		u.LastSignedIn = upd.LastSignedIn
	}
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// SetRole changes a user's role
func (r *MemoryUserRepository) SetRole(id int64, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.Role = role
	}
}

// SetPermissions replaces the grants for a user
func (r *MemoryUserRepository) SetPermissions(userID int64, perms []Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perms[userID] = append([]Permission(nil), perms...)
}

// GetUserPermissions returns the grants for a user
func (r *MemoryUserRepository) GetUserPermissions(_ context.Context, userID int64) ([]Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Permission(nil), r.perms[userID]...), nil
}

// MemoryAuditRepository records audit writes in memory
type MemoryAuditRepository struct {
	mu        sync.Mutex
	nextID    int64
	logs      []AuditLog
	events    []SecurityEvent
	anomalies []Anomaly
	err       error
}

// NewMemoryAuditRepository creates an empty in-memory audit sink
func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

// CreateAuditLog appends an audit row
func (r *MemoryAuditRepository) CreateAuditLog(_ context.Context, entry *AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.nextID++
	entry.ID = r.nextID
	r.logs = append(r.logs, *entry)
	return nil
}

// CreateSecurityEvent appends a security event
func (r *MemoryAuditRepository) CreateSecurityEvent(_ context.Context, event *SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.nextID++
	event.ID = r.nextID
	r.events = append(r.events, *event)
	return nil
}

// CreateAnomaly appends an anomaly
func (r *MemoryAuditRepository) CreateAnomaly(_ context.Context, anomaly *Anomaly) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.nextID++
	anomaly.ID = r.nextID
	r.anomalies = append(r.anomalies, *anomaly)
	return nil
}

// SecurityEvents returns a snapshot of stored events
func (r *MemoryAuditRepository) SecurityEvents() []SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SecurityEvent(nil), r.events...)
}

// AuditLogs returns a snapshot of stored audit rows
func (r *MemoryAuditRepository) AuditLogs() []AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditLog(nil), r.logs...)
}

// AnomalyRecords returns a snapshot of stored anomalies
func (r *MemoryAuditRepository) AnomalyRecords() []Anomaly {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Anomaly(nil), r.anomalies...)
}

// SetErr makes every subsequent write fail with err (nil restores writes)
func (r *MemoryAuditRepository) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// MemoryDocumentRepository keeps document rows in memory
type MemoryDocumentRepository struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryDocumentRepository creates an empty in-memory document store
func NewMemoryDocumentRepository() *MemoryDocumentRepository {
	return &MemoryDocumentRepository{docs: make(map[string]Document)}
}

// Create stores a document keyed by its storage key
func (r *MemoryDocumentRepository) Create(_ context.Context, doc *Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	r.docs[doc.StorageKey] = *doc
	return nil
}

// BatchExists reports which storage keys have a document row
func (r *MemoryDocumentRepository) BatchExists(_ context.Context, storageKeys []string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(storageKeys))
	for _, k := range storageKeys {
		_, out[k] = r.docs[k]
	}
	return out, nil
}

// Documents returns a snapshot of stored rows
func (r *MemoryDocumentRepository) Documents() []Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Document, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, d)
	}
	return out
}
