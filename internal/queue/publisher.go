package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/models"
)

// Stream names. Admission publishes to StreamInvestigations; the consumer
// moves unrecoverable messages to StreamDeadLetter and announces concluded
// routes on StreamCompleted.
const (
	StreamDocuments      = "documents"
	StreamInvestigations = "investigations"
	StreamDeadLetter     = "documents.failed"
	StreamCompleted      = "investigation.completed"
)

// Message field names within a stream entry.
const (
	fieldBody      = "body"
	fieldRequestID = "x_request_id"
	fieldAttempt   = "attempt"
)

// InvestigationMessage is the JSON body of a work-queue entry.
type InvestigationMessage struct {
	RouteID       uuid.UUID `json:"route_id"`
	AllowRecovery bool      `json:"allow_recovery,omitempty"`
}

// CompletionMessage is the JSON body of a completion announcement.
type CompletionMessage struct {
	RouteID    uuid.UUID            `json:"route_id"`
	DocumentID uuid.UUID            `json:"document_id"`
	Status     models.ProcessStatus `json:"status"`
}

// Publisher writes engine messages to Redis streams.
type Publisher struct {
	cli    redis.UniversalClient
	logger *zap.Logger
}

func NewPublisher(cli redis.UniversalClient, logger *zap.Logger) *Publisher {
	return &Publisher{cli: cli, logger: logger}
}

func (p *Publisher) add(ctx context.Context, stream string, body []byte, requestID string, attempt int) error {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	err := p.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			fieldBody:      body,
			fieldRequestID: requestID,
			fieldAttempt:   attempt,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// PublishInvestigation enqueues a route for investigation.
func (p *Publisher) PublishInvestigation(ctx context.Context, msg InvestigationMessage, requestID string, attempt int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode investigation message: %w", err)
	}
	p.logger.Debug("Publishing investigation",
		zap.String("route_id", msg.RouteID.String()),
		zap.Bool("allow_recovery", msg.AllowRecovery),
		zap.Int("attempt", attempt),
	)
	return p.add(ctx, StreamInvestigations, body, requestID, attempt)
}

// PublishDeadLetter moves a raw body to the dead-letter stream, keeping the
// correlation header.
func (p *Publisher) PublishDeadLetter(ctx context.Context, body []byte, requestID string, attempt int) error {
	return p.add(ctx, StreamDeadLetter, body, requestID, attempt)
}

// PublishCompletion announces a concluded route.
func (p *Publisher) PublishCompletion(ctx context.Context, route models.Route, requestID string) error {
	body, err := json.Marshal(CompletionMessage{RouteID: route.ID, DocumentID: route.DocumentID, Status: route.Status})
	if err != nil {
		return fmt.Errorf("encode completion message: %w", err)
	}
	return p.add(ctx, StreamCompleted, body, requestID, 0)
}
