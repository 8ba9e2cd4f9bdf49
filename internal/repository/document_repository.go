package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// DocumentRepository records uploaded intake documents
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	BatchExists(ctx context.Context, storageKeys []string) (map[string]bool, error)
}

// SQLDocumentRepository implements DocumentRepository with sqlx
type SQLDocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *sqlx.DB) *SQLDocumentRepository {
	return &SQLDocumentRepository{db: db}
}

// Create inserts a document row
func (r *SQLDocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO documents (id, user_id, filename, content_type, size_bytes, storage_key, checksum, created_at)
		VALUES (:id, :user_id, :filename, :content_type, :size_bytes, :storage_key, :checksum, :created_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, doc); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// BatchExists reports which storage keys have a document row
func (r *SQLDocumentRepository) BatchExists(ctx context.Context, storageKeys []string) (map[string]bool, error) {
	result := make(map[string]bool, len(storageKeys))
	if len(storageKeys) == 0 {
		return result, nil
	}

	var existing []string
	query := `SELECT storage_key FROM documents WHERE storage_key = ANY($1)`
	if err := r.db.SelectContext(ctx, &existing, query, storageKeys); err != nil {
		return nil, fmt.Errorf("failed to check storage keys existence: %w", err)
	}
	for _, key := range storageKeys {
		result[key] = false
	}
	for _, key := range existing {
		result[key] = true
	}
	return result, nil
}
