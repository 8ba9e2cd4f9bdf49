package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procuredesk/guard/internal/password"
	"github.com/procuredesk/guard/internal/repository"
)

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Create(ctx, &Session{ID: "a", UserID: 1, OpenID: "o", ExpiresAt: now.Add(time.Hour)}))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.UserID = 99

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.UserID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "guard:session:abc", SessionKey("abc"))
	assert.Equal(t, "guard:user-sessions:42", UserSessionsKey(42))
}

func TestUserLockoutStore(t *testing.T) {
	ctx := context.Background()
	users := repository.NewMemoryUserRepository()
	u, err := users.Upsert(ctx, repository.UpsertUserParams{OpenID: "u"})
	require.NoError(t, err)
	store := NewUserLockoutStore(users)
	id := LockoutID(u.ID)

	st, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, st.FailedAttempts)

	until := time.Now().Add(time.Minute).UTC()
	require.NoError(t, store.Save(ctx, id, password.LockoutState{FailedAttempts: 5, LockedUntil: until, LastFailedAt: until}))
	st, err = store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, st.FailedAttempts)
	assert.True(t, st.LockedUntil.Equal(until))

	require.NoError(t, store.Save(ctx, id, password.LockoutState{FailedAttempts: 1}))
	st, err = store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, st.FailedAttempts)
	assert.True(t, st.LockedUntil.IsZero(), "saving without a lock clears the old one")

	require.NoError(t, store.Delete(ctx, id))
	st, err = store.Load(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, st.FailedAttempts)

	require.NoError(t, store.Delete(ctx, "999"), "unknown users are ignored")
	_, err = store.Load(ctx, "not-a-number")
	assert.Error(t, err)
}
