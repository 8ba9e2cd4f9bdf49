package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix     = "guard:session:"
	userSessionKeyPrefix = "guard:user-sessions:"
)

// RedisStore shares sessions between processes. Each session is a hash that
// expires with the session; a set per user indexes sessions for revoke-all.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SessionKey returns the Redis key of a session hash
func SessionKey(id string) string { return sessionKeyPrefix + id }

// UserSessionsKey returns the Redis key of a user's session index
func UserSessionsKey(userID int64) string {
	return userSessionKeyPrefix + strconv.FormatInt(userID, 10)
}

// Create stores a new session
func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	key := SessionKey(sess.ID)
	userKey := UserSessionsKey(sess.UserID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]any{
			"user_id":    sess.UserID,
			"open_id":    sess.OpenID,
			"name":       sess.Name,
			"ip_address": sess.IPAddress,
			"user_agent": sess.UserAgent,
			"issued_at":  sess.IssuedAt.UnixMilli(),
			"expires_at": sess.ExpiresAt.UnixMilli(),
		})
		p.ExpireAt(ctx, key, sess.ExpiresAt)
		p.SAdd(ctx, userKey, sess.ID)
		p.ExpireAt(ctx, userKey, sess.ExpiresAt)
		return nil
	})
	return err
}

// Get loads a session
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.HGetAll(ctx, SessionKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrSessionNotFound
	}
	return decodeSession(id, data), nil
}

// Revoke deletes one session
func (s *RedisStore) Revoke(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, SessionKey(id))
		p.SRem(ctx, UserSessionsKey(sess.UserID), id)
		return nil
	})
	return err
}

// RevokeAllForUser deletes every indexed session of a user
func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID int64) (int, error) {
	userKey := UserSessionsKey(userID)
	ids, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, SessionKey(id))
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	if err := s.client.Del(ctx, userKey).Err(); err != nil {
		return int(n), err
	}
	return int(n), nil
}

// PurgeExpired is a no-op: Redis expires session hashes itself
func (s *RedisStore) PurgeExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func decodeSession(id string, data map[string]string) *Session {
	uid, _ := strconv.ParseInt(data["user_id"], 10, 64)
	issued, _ := strconv.ParseInt(data["issued_at"], 10, 64)
	expires, _ := strconv.ParseInt(data["expires_at"], 10, 64)
	return &Session{
		ID:        id,
		UserID:    uid,
		OpenID:    data["open_id"],
		Name:      data["name"],
		IPAddress: data["ip_address"],
		UserAgent: data["user_agent"],
		IssuedAt:  time.UnixMilli(issued).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
	}
}
