package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/errs"
	"github.com/courierhq/courier/internal/models"
)

// Metric selects the vector distance operator used for nearest-neighbor
// search. For inner the store reports the true inner product (larger is
// better); cosine and l2 report distances (smaller is better).
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricInner  Metric = "inner"
)

// Ascending reports whether smaller scores rank higher for m.
func (m Metric) Ascending() bool { return m != MetricInner }

// SearchFilter narrows a chunk search. SenderID restricts results to chunks of
// documents that have at least one forwarded record by that sender, optionally
// further constrained by IsValid/IsHidden.
type SearchFilter struct {
	SenderID           *uuid.UUID
	IsValid            *bool
	IsHidden           *bool
	ExcludeDocumentIDs []uuid.UUID
	ScoreThreshold     *float64
}

// ChunkMatch pairs a chunk with its raw metric score. Callers never
// re-interpret the ordering; the metric's natural order was applied already.
type ChunkMatch struct {
	Chunk models.DocumentChunk
	Score float64
}

// ChunkStore persists document chunks and answers nearest-neighbor queries.
type ChunkStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewChunkStore(db *sqlx.DB, logger *zap.Logger) *ChunkStore {
	return &ChunkStore{db: db, logger: logger}
}

// Insert appends a chunk. The caller maintains parent chain order.
func (s *ChunkStore) Insert(ctx context.Context, chunk *models.DocumentChunk) error {
	if chunk.ID == uuid.Nil {
		chunk.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_chunks (id, document_id, parent_id, content, embedding, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))`,
		chunk.ID, chunk.DocumentID, chunk.ParentID, chunk.Content, chunk.Embedding, chunk.ContentHash,
		nullableTime(chunk.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// ListByDocument returns the document's chunks in head-to-tail order by
// walking the parent chain. Fails with NotFound when no head chunk exists.
func (s *ChunkStore) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]models.DocumentChunk, error) {
	var chunks []models.DocumentChunk
	err := s.db.SelectContext(ctx, &chunks, `
		SELECT id, document_id, parent_id, content, embedding, content_hash, created_at
		FROM document_chunks
		WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for document %s: %w", documentID, err)
	}
	if len(chunks) == 0 {
		return nil, errs.NotFound("document %s has no chunks", documentID)
	}
	return orderChunks(documentID, chunks)
}

func orderChunks(documentID uuid.UUID, chunks []models.DocumentChunk) ([]models.DocumentChunk, error) {
	byParent := make(map[uuid.UUID]*models.DocumentChunk, len(chunks))
	var head *models.DocumentChunk
	for i := range chunks {
		c := &chunks[i]
		if c.ParentID == nil {
			if head != nil {
				return nil, errs.BusinessLogic("document %s has more than one head chunk", documentID)
			}
			head = c
			continue
		}
		byParent[*c.ParentID] = c
	}
	if head == nil {
		return nil, errs.NotFound("no head chunk (parent_id is null) for document %s", documentID)
	}

	ordered := make([]models.DocumentChunk, 0, len(chunks))
	for cur := head; cur != nil; cur = byParent[cur.ID] {
		ordered = append(ordered, *cur)
		if len(ordered) > len(chunks) {
			return nil, errs.BusinessLogic("chunk chain for document %s contains a cycle", documentID)
		}
	}
	return ordered, nil
}

// Search returns the top-k chunks nearest to query under the given metric,
// honoring the filter. The returned score is the raw metric value.
func (s *ChunkStore) Search(ctx context.Context, query pgvector.Vector, k int, metric Metric, filter SearchFilter) ([]ChunkMatch, error) {
	var scoreExpr string
	switch metric {
	case MetricCosine:
		scoreExpr = "(dc.embedding <=> $1)"
	case MetricL2:
		scoreExpr = "(dc.embedding <-> $1)"
	case MetricInner:
		// <#> is the negated inner product; flip it back.
		scoreExpr = "-(dc.embedding <#> $1)"
	default:
		return nil, fmt.Errorf("unsupported distance metric: %q", metric)
	}

	args := []interface{}{query}
	var conds []string

	if filter.SenderID != nil {
		args = append(args, *filter.SenderID)
		sub := fmt.Sprintf("f.document_id = dc.document_id AND f.sender_id = $%d", len(args))
		if filter.IsValid != nil {
			args = append(args, *filter.IsValid)
			sub += fmt.Sprintf(" AND f.is_valid = $%d", len(args))
		}
		if filter.IsHidden != nil {
			args = append(args, *filter.IsHidden)
			sub += fmt.Sprintf(" AND f.is_hidden = $%d", len(args))
		}
		conds = append(conds, fmt.Sprintf("EXISTS (SELECT 1 FROM forwarded f WHERE %s)", sub))
	}

	if len(filter.ExcludeDocumentIDs) > 0 {
		ids := make([]string, len(filter.ExcludeDocumentIDs))
		for i, id := range filter.ExcludeDocumentIDs {
			ids[i] = id.String()
		}
		args = append(args, pq.Array(ids))
		conds = append(conds, fmt.Sprintf("NOT (dc.document_id = ANY($%d::uuid[]))", len(args)))
	}

	if filter.ScoreThreshold != nil {
		args = append(args, *filter.ScoreThreshold)
		op := "<="
		if metric == MetricInner {
			op = ">="
		}
		conds = append(conds, fmt.Sprintf("%s %s $%d", scoreExpr, op, len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	order := "ASC"
	if !metric.Ascending() {
		order = "DESC"
	}

	args = append(args, k)
	q := fmt.Sprintf(`
		SELECT dc.id, dc.document_id, dc.parent_id, dc.content, dc.embedding, dc.content_hash, dc.created_at,
		       %s AS score
		FROM document_chunks dc
		%s
		ORDER BY score %s
		LIMIT $%d`, scoreExpr, where, order, len(args))

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk search: %w", err)
	}
	defer rows.Close()

	var matches []ChunkMatch
	for rows.Next() {
		var m ChunkMatch
		if err := rows.Scan(
			&m.Chunk.ID, &m.Chunk.DocumentID, &m.Chunk.ParentID, &m.Chunk.Content,
			&m.Chunk.Embedding, &m.Chunk.ContentHash, &m.Chunk.CreatedAt, &m.Score,
		); err != nil {
			return nil, fmt.Errorf("chunk search scan: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunk search rows: %w", err)
	}
	return matches, nil
}
