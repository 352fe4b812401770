package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/models"
)

// ForwardedStore persists routing decisions, manual and predicted.
type ForwardedStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewForwardedStore(db *sqlx.DB, logger *zap.Logger) *ForwardedStore {
	return &ForwardedStore{db: db, logger: logger}
}

const forwardedColumns = "id, document_id, sender_id, recipient_id, route_id, purpose, is_valid, is_hidden, score, created_at"

// AddMany inserts predictions on the given executor so the caller can batch
// them with the route's terminal transition in one transaction.
func (s *ForwardedStore) AddMany(ctx context.Context, q sqlx.ExtContext, rows []models.Forwarded) error {
	for i := range rows {
		f := &rows[i]
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO forwarded (id, document_id, sender_id, recipient_id, route_id, purpose, is_valid, is_hidden, score, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
			f.ID, f.DocumentID, f.SenderID, f.RecipientID, f.RouteID, f.Purpose, f.IsValid, f.IsHidden, f.Score)
		if err != nil {
			return fmt.Errorf("insert forwarded for recipient %s: %w", f.RecipientID, err)
		}
	}
	return nil
}

// ByRouteID returns the predictions owned by a route.
func (s *ForwardedStore) ByRouteID(ctx context.Context, routeID uuid.UUID) ([]models.Forwarded, error) {
	var rows []models.Forwarded
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+forwardedColumns+` FROM forwarded WHERE route_id = $1
		ORDER BY created_at ASC`, routeID)
	if err != nil {
		return nil, fmt.Errorf("forwarded by route %s: %w", routeID, err)
	}
	return rows, nil
}

// ByDocumentID returns all forwarded records of a document, oldest first,
// optionally scoped to a sender.
func (s *ForwardedStore) ByDocumentID(ctx context.Context, documentID uuid.UUID, senderID *uuid.UUID) ([]models.Forwarded, error) {
	q := `SELECT ` + forwardedColumns + ` FROM forwarded WHERE document_id = $1`
	args := []interface{}{documentID}
	if senderID != nil {
		q += ` AND sender_id = $2`
		args = append(args, *senderID)
	}
	q += ` ORDER BY created_at ASC`

	var rows []models.Forwarded
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("forwarded by document %s: %w", documentID, err)
	}
	return rows, nil
}

// RecipientStatsForSender counts valid, visible forwardeds from the sender per
// recipient. Feeds the evaluator's collaborative signal.
func (s *ForwardedStore) RecipientStatsForSender(ctx context.Context, senderID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT recipient_id, count(*) AS n
		FROM forwarded
		WHERE sender_id = $1 AND is_valid IS TRUE AND is_hidden IS FALSE
		GROUP BY recipient_id`, senderID)
	if err != nil {
		return nil, fmt.Errorf("recipient stats for sender %s: %w", senderID, err)
	}
	defer rows.Close()

	stats := make(map[uuid.UUID]int)
	for rows.Next() {
		var recipient uuid.UUID
		var n int
		if err := rows.Scan(&recipient, &n); err != nil {
			return nil, fmt.Errorf("recipient stats scan: %w", err)
		}
		stats[recipient] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recipient stats rows: %w", err)
	}
	return stats, nil
}
