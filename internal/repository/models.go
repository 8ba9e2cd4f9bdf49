package repository

import (
	"encoding/json"
	"time"
)

// Role values stored on users
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents an identity record. The security core only touches the
// credential and lockout columns.
type User struct {
	ID                  int64      `db:"id" json:"id"`
	OpenID              string     `db:"open_id" json:"openId"`
	Name                string     `db:"name" json:"name"`
	Email               *string    `db:"email" json:"email,omitempty"`
	Role                string     `db:"role" json:"role"`
	PasswordHash        *string    `db:"password_hash" json:"-"`
	PasswordSalt        *string    `db:"password_salt" json:"-"`
	FailedLoginAttempts int        `db:"failed_login_attempts" json:"-"`
	LockedUntil         *time.Time `db:"locked_until" json:"-"`
	LastFailedLoginAt   *time.Time `db:"last_failed_login_at" json:"-"`
	LastLoginAt         *time.Time `db:"last_login_at" json:"lastLoginAt,omitempty"`
	LastSignedIn        *time.Time `db:"last_signed_in" json:"lastSignedIn,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updatedAt"`
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// IsLocked reports whether the account is locked at the given instant
func (u *User) IsLocked(now time.Time) bool {
	return u != nil && u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// UpsertUserParams carries the fields written on login/first sight of an openId
type UpsertUserParams struct {
	OpenID       string
	Name         string
	Email        *string
	Role         string
	LastSignedIn *time.Time
}

// UserUpdate is a partial update; nil fields are left untouched.
// ClearLockout resets failed_login_attempts and locked_until before the
// explicit fields are applied.
type UserUpdate struct {
	PasswordHash        *string
	PasswordSalt        *string
	FailedLoginAttempts *int
	LockedUntil         *time.Time
	LastFailedLoginAt   *time.Time
	LastLoginAt         *time.Time
	LastSignedIn        *time.Time
	ClearLockout        bool
}

// Permission is a per-module grant row
type Permission struct {
	UserID     int64  `db:"user_id" json:"userId"`
	Module     string `db:"module" json:"module"`
	CanView    bool   `db:"can_view" json:"canView"`
	CanCreate  bool   `db:"can_create" json:"canCreate"`
	CanEdit    bool   `db:"can_edit" json:"canEdit"`
	CanDelete  bool   `db:"can_delete" json:"canDelete"`
	CanApprove bool   `db:"can_approve" json:"canApprove"`
}

// AuditLog is an append-only record of a state-changing user action
type AuditLog struct {
	ID         int64           `db:"id" json:"id"`
	UserID     *int64          `db:"user_id" json:"userId,omitempty"`
	Action     string          `db:"action" json:"action"`
	EntityType string          `db:"entity_type" json:"entityType"`
	EntityID   *string         `db:"entity_id" json:"entityId,omitempty"`
	Changes    json.RawMessage `db:"changes" json:"changes,omitempty"`
	IPAddress  string          `db:"ip_address" json:"ipAddress"`
	UserAgent  string          `db:"user_agent" json:"userAgent"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}

// SecurityEvent is an append-only record of a detected violation or anomaly
type SecurityEvent struct {
	ID          int64           `db:"id" json:"id"`
	Type        string          `db:"type" json:"type"`
	Severity    string          `db:"severity" json:"severity"`
	Description string          `db:"description" json:"description"`
	UserID      *int64          `db:"user_id" json:"userId,omitempty"`
	IPAddress   string          `db:"ip_address" json:"ipAddress"`
	UserAgent   string          `db:"user_agent" json:"userAgent"`
	Endpoint    string          `db:"endpoint" json:"endpoint"`
	Details     json.RawMessage `db:"details" json:"details,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
}

// Anomaly is raised for critical security events for downstream alerting
type Anomaly struct {
	ID              int64     `db:"id" json:"id"`
	SecurityEventID int64     `db:"security_event_id" json:"securityEventId"`
	Type            string    `db:"type" json:"type"`
	Severity        string    `db:"severity" json:"severity"`
	Description     string    `db:"description" json:"description"`
	Status          string    `db:"status" json:"status"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// Document is an uploaded intake file stored in object storage
type Document struct {
	ID          string    `db:"id" json:"id"`
	UserID      int64     `db:"user_id" json:"userId"`
	Filename    string    `db:"filename" json:"filename"`
	ContentType string    `db:"content_type" json:"contentType"`
	SizeBytes   int64     `db:"size_bytes" json:"sizeBytes"`
	StorageKey  string    `db:"storage_key" json:"-"`
	Checksum    string    `db:"checksum" json:"checksum"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}
