package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/procuredesk/guard/internal/password"
	"github.com/procuredesk/guard/internal/repository"
)

// UserLockoutStore keeps lockout state on the user record
// (failed_login_attempts, locked_until, last_failed_login_at). Identifiers are
// decimal user ids.
type UserLockoutStore struct {
	users repository.UserRepository
}

// NewUserLockoutStore creates a lockout store over the user repository
func NewUserLockoutStore(users repository.UserRepository) *UserLockoutStore {
	return &UserLockoutStore{users: users}
}

// LockoutID returns the lockout identifier for a user
func LockoutID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// Load reads the lockout columns of the user
func (s *UserLockoutStore) Load(ctx context.Context, id string) (password.LockoutState, error) {
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return password.LockoutState{}, err
	}
	u, err := s.users.GetByID(ctx, uid)
	if errors.Is(err, repository.ErrUserNotFound) {
		return password.LockoutState{}, nil
	}
	if err != nil {
		return password.LockoutState{}, err
	}
	st := password.LockoutState{FailedAttempts: u.FailedLoginAttempts}
	if u.LockedUntil != nil {
		st.LockedUntil = *u.LockedUntil
	}
	if u.LastFailedLoginAt != nil {
		st.LastFailedAt = *u.LastFailedLoginAt
	}
	return st, nil
}

// Save writes the lockout columns of the user
func (s *UserLockoutStore) Save(ctx context.Context, id string, st password.LockoutState) error {
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return err
	}
	upd := repository.UserUpdate{FailedLoginAttempts: &st.FailedAttempts, ClearLockout: true}
	if !st.LockedUntil.IsZero() {
		upd.LockedUntil = timePtr(st.LockedUntil)
	}
	if !st.LastFailedAt.IsZero() {
		upd.LastFailedLoginAt = timePtr(st.LastFailedAt)
	}
	return s.users.Update(ctx, uid, upd)
}

// Delete clears the lockout columns of the user
func (s *UserLockoutStore) Delete(ctx context.Context, id string) error {
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return err
	}
	err = s.users.Update(ctx, uid, repository.UserUpdate{ClearLockout: true})
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil
	}
	return err
}

func timePtr(t time.Time) *time.Time { return &t }
