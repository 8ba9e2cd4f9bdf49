package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/procuredesk/guard/internal/metrics"
)

// AuditRepository is the append-only sink for audit rows, security events and
// anomalies. Rows are never updated or deleted through it.
type AuditRepository interface {
	CreateAuditLog(ctx context.Context, entry *AuditLog) error
	CreateSecurityEvent(ctx context.Context, event *SecurityEvent) error
	CreateAnomaly(ctx context.Context, anomaly *Anomaly) error
}

// SQLAuditRepository implements AuditRepository with sqlx
type SQLAuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sqlx.DB) *SQLAuditRepository {
	return &SQLAuditRepository{db: db}
}

// CreateAuditLog inserts an audit log row
func (r *SQLAuditRepository) CreateAuditLog(ctx context.Context, entry *AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO audit_logs (user_id, action, entity_type, entity_id, changes, ip_address, user_agent, created_at)
		VALUES (:user_id, :action, :entity_type, :entity_id, :changes, :ip_address, :user_agent, :created_at)
		RETURNING id
	`
	if err := r.namedReturningID(ctx, query, entry, &entry.ID); err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// CreateSecurityEvent inserts a security event row
func (r *SQLAuditRepository) CreateSecurityEvent(ctx context.Context, event *SecurityEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO security_events (type, severity, description, user_id, ip_address, user_agent, endpoint, details, created_at)
		VALUES (:type, :severity, :description, :user_id, :ip_address, :user_agent, :endpoint, :details, :created_at)
		RETURNING id
	`
	if err := r.namedReturningID(ctx, query, event, &event.ID); err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

// CreateAnomaly inserts an anomaly row linked to a security event
func (r *SQLAuditRepository) CreateAnomaly(ctx context.Context, anomaly *Anomaly) error {
	if anomaly.CreatedAt.IsZero() {
		anomaly.CreatedAt = time.Now().UTC()
	}
	if anomaly.Status == "" {
		anomaly.Status = "open"
	}
	query := `
		INSERT INTO anomalies (security_event_id, type, severity, description, status, created_at)
		VALUES (:security_event_id, :type, :severity, :description, :status, :created_at)
		RETURNING id
	`
	if err := r.namedReturningID(ctx, query, anomaly, &anomaly.ID); err != nil {
		return fmt.Errorf("failed to create anomaly: %w", err)
	}
	return nil
}

// namedReturningID runs the insert in a transaction so a cancelled write rolls
// back instead of leaving a partial row.
func (r *SQLAuditRepository) namedReturningID(ctx context.Context, query string, arg any, id *int64) error {
	defer metrics.TimeQuery("audit_insert")()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	if err := stmt.QueryRowxContext(ctx, arg).Scan(id); err != nil {
		return err
	}
	return tx.Commit()
}
