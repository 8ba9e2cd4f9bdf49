package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/procuredesk/guard/internal/metrics"
)

// Common errors
var (
	ErrUserNotFound = errors.New("user not found")
)

// UserRepository defines the interface for user data access
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByOpenID(ctx context.Context, openID string) (*User, error)
	Upsert(ctx context.Context, params UpsertUserParams) (*User, error)
	Update(ctx context.Context, id int64, update UserUpdate) error
}

// PermissionRepository defines read access to per-module grants
type PermissionRepository interface {
	GetUserPermissions(ctx context.Context, userID int64) ([]Permission, error)
}

const userColumns = `id, open_id, name, email, role, password_hash, password_salt,
	failed_login_attempts, locked_until, last_failed_login_at, last_login_at,
	last_signed_in, created_at, updated_at`

// userRepository implements UserRepository using PostgreSQL
type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.OpenID,
		&user.Name,
		&user.Email,
		&user.Role,
		&user.PasswordHash,
		&user.PasswordSalt,
		&user.FailedLoginAttempts,
		&user.LockedUntil,
		&user.LastFailedLoginAt,
		&user.LastLoginAt,
		&user.LastSignedIn,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	defer metrics.TimeQuery("get_user_by_id")()

	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetByOpenID retrieves a user by the external identity id
func (r *userRepository) GetByOpenID(ctx context.Context, openID string) (*User, error) {
	defer metrics.TimeQuery("get_user_by_open_id")()

	query := `SELECT ` + userColumns + ` FROM users WHERE open_id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, openID))
}

// Upsert inserts the user or refreshes name/email/last_signed_in on conflict
func (r *userRepository) Upsert(ctx context.Context, p UpsertUserParams) (*User, error) {
	defer metrics.TimeQuery("upsert_user")()

	role := p.Role
	if role == "" {
		role = RoleUser
	}
	query := `
		INSERT INTO users (open_id, name, email, role, last_signed_in)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))
		ON CONFLICT (open_id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), users.name),
			email = COALESCE(EXCLUDED.email, users.email),
			last_signed_in = EXCLUDED.last_signed_in,
			updated_at = NOW()
		RETURNING ` + userColumns

	return scanUser(r.pool.QueryRow(ctx, query, p.OpenID, p.Name, p.Email, role, p.LastSignedIn))
}

// Update applies a partial update built from the non-nil fields
func (r *userRepository) Update(ctx context.Context, id int64, u UserUpdate) error {
	defer metrics.TimeQuery("update_user")()

	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.PasswordHash != nil {
		add("password_hash", *u.PasswordHash)
	}
	if u.PasswordSalt != nil {
		add("password_salt", *u.PasswordSalt)
	}
	switch {
	case u.FailedLoginAttempts != nil:
		add("failed_login_attempts", *u.FailedLoginAttempts)
	case u.ClearLockout:
		add("failed_login_attempts", 0)
	}
	switch {
	case u.LockedUntil != nil:
		add("locked_until", *u.LockedUntil)
	case u.ClearLockout:
		sets = append(sets, "locked_until = NULL")
	}
	if u.LastFailedLoginAt != nil {
		add("last_failed_login_at", *u.LastFailedLoginAt)
	}
	if u.LastLoginAt != nil {
		add("last_login_at", *u.LastLoginAt)
	}
	if u.LastSignedIn != nil {
		add("last_signed_in", *u.LastSignedIn)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// permissionRepository implements PermissionRepository using PostgreSQL
type permissionRepository struct {
	pool *pgxpool.Pool
}

// NewPermissionRepository creates a new PermissionRepository instance
func NewPermissionRepository(pool *pgxpool.Pool) PermissionRepository {
	return &permissionRepository{pool: pool}
}

// GetUserPermissions returns every module grant for the user
func (r *permissionRepository) GetUserPermissions(ctx context.Context, userID int64) ([]Permission, error) {
	defer metrics.TimeQuery("get_user_permissions")()

	query := `
		SELECT user_id, module, can_view, can_create, can_edit, can_delete, can_approve
		FROM user_permissions
		WHERE user_id = $1
		ORDER BY module
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.UserID, &p.Module, &p.CanView, &p.CanCreate, &p.CanEdit, &p.CanDelete, &p.CanApprove); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
