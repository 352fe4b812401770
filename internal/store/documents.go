package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/errs"
	"github.com/courierhq/courier/internal/models"
)

// DocumentStore reads admitted documents.
type DocumentStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewDocumentStore(db *sqlx.DB, logger *zap.Logger) *DocumentStore {
	return &DocumentStore{db: db, logger: logger}
}

const documentColumns = "id, name, storage_ref, content_type, created_at"

// Get returns a document or NotFound.
func (s *DocumentStore) Get(ctx context.Context, id uuid.UUID) (models.Document, error) {
	var doc models.Document
	err := s.db.GetContext(ctx, &doc, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, errs.NotFound("document %s not found", id)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// GetByIDs returns the documents that exist among ids; missing ids are
// silently skipped.
func (s *DocumentStore) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	var docs []models.Document
	err := s.db.SelectContext(ctx, &docs, `
		SELECT `+documentColumns+` FROM documents WHERE id = ANY($1::uuid[])`, pq.Array(strs))
	if err != nil {
		return nil, fmt.Errorf("get documents by ids: %w", err)
	}
	return docs, nil
}

// nullableTime maps the zero time onto SQL NULL so inserts can default it.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
