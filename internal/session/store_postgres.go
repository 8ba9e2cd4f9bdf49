package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procuredesk/guard/internal/metrics"
)

// PostgresStore keeps sessions in the sessions table. It is used when no
// Redis is configured so sessions survive restarts and are shared between
// instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a session store over pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create inserts a new session row
func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	defer metrics.TimeQuery("create_session")()

	query := `
		INSERT INTO sessions (id, user_id, open_id, name, ip_address, user_agent, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		sess.ID,
		sess.UserID,
		sess.OpenID,
		sess.Name,
		sess.IPAddress,
		sess.UserAgent,
		sess.IssuedAt,
		sess.ExpiresAt,
	)
	return err
}

// Get loads a session by id. Expired rows are reported as not found.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	defer metrics.TimeQuery("get_session")()

	query := `
		SELECT id, user_id, open_id, name, ip_address, user_agent, issued_at, expires_at
		FROM sessions
		WHERE id = $1 AND expires_at > NOW()
	`
	sess := &Session{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.OpenID,
		&sess.Name,
		&sess.IPAddress,
		&sess.UserAgent,
		&sess.IssuedAt,
		&sess.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

// Revoke deletes one session. Unknown ids are not an error.
func (s *PostgresStore) Revoke(ctx context.Context, id string) error {
	defer metrics.TimeQuery("revoke_session")()

	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// RevokeAllForUser deletes every session of a user
func (s *PostgresStore) RevokeAllForUser(ctx context.Context, userID int64) (int, error) {
	defer metrics.TimeQuery("revoke_user_sessions")()

	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// PurgeExpired deletes sessions past their expiry at now
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	defer metrics.TimeQuery("purge_sessions")()

	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
