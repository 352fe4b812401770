package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/models"
)

// AgentStore answers agent identity and recipient-history queries.
type AgentStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewAgentStore(db *sqlx.DB, logger *zap.Logger) *AgentStore {
	return &AgentStore{db: db, logger: logger}
}

const agentColumns = "id, name, description, embedding, is_active, is_default_recipient, created_at"

// DefaultRecipients returns the active fallback recipient set.
func (s *AgentStore) DefaultRecipients(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.db.SelectContext(ctx, &agents, `
		SELECT `+agentColumns+` FROM agents
		WHERE is_default_recipient IS TRUE AND is_active IS TRUE`)
	if err != nil {
		return nil, fmt.Errorf("default recipients: %w", err)
	}
	return agents, nil
}

// RecipientsForSender returns the distinct agents that received valid, visible
// forwardeds from the sender, optionally scoped to a document.
func (s *AgentStore) RecipientsForSender(ctx context.Context, senderID uuid.UUID, documentID *uuid.UUID) ([]models.Agent, error) {
	q := `
		SELECT ` + agentColumns + ` FROM agents
		WHERE id IN (
			SELECT DISTINCT recipient_id FROM forwarded
			WHERE sender_id = $1 AND is_valid IS TRUE AND is_hidden IS FALSE`
	args := []interface{}{senderID}
	if documentID != nil {
		q += ` AND document_id = $2`
		args = append(args, *documentID)
	}
	q += `)`

	var agents []models.Agent
	if err := s.db.SelectContext(ctx, &agents, q, args...); err != nil {
		return nil, fmt.Errorf("recipients for sender %s: %w", senderID, err)
	}
	return agents, nil
}
