package models

import (
	"time"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"
)

// EmbeddingDim is the system-wide embedding dimension. Every vector column and
// every provider response must match it.
const EmbeddingDim = 1024

// ProcessStatus is the lifecycle state of a route investigation.
type ProcessStatus string

const (
	StatusPending    ProcessStatus = "pending"
	StatusInProgress ProcessStatus = "in_progress"
	StatusCompleted  ProcessStatus = "completed"
	StatusFailed     ProcessStatus = "failed"
	StatusTimeout    ProcessStatus = "timeout"
	StatusCancelled  ProcessStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s,
// recovery aside.
func (s ProcessStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s ProcessStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Agent is a stable sender/recipient identity.
type Agent struct {
	ID                 uuid.UUID        `db:"id"`
	Name               string           `db:"name"`
	Description        *string          `db:"description"`
	Embedding          *pgvector.Vector `db:"embedding"`
	IsActive           bool             `db:"is_active"`
	IsDefaultRecipient bool             `db:"is_default_recipient"`
	CreatedAt          time.Time        `db:"created_at"`
}

// Document is an admitted artifact. Immutable after admission; chunks are
// append-only.
type Document struct {
	ID          uuid.UUID `db:"id"`
	Name        string    `db:"name"`
	StorageRef  *string   `db:"storage_ref"`
	ContentType *string   `db:"content_type"`
	CreatedAt   time.Time `db:"created_at"`
}

// DocumentChunk is an ordered semantic segment of a document. Within a
// document the chunks form a singly-linked list by ParentID with exactly one
// head (ParentID == nil).
type DocumentChunk struct {
	ID          uuid.UUID       `db:"id"`
	DocumentID  uuid.UUID       `db:"document_id"`
	ParentID    *uuid.UUID      `db:"parent_id"`
	Content     string          `db:"content"`
	Embedding   pgvector.Vector `db:"embedding"`
	ContentHash []byte          `db:"content_hash"`
	CreatedAt   time.Time       `db:"created_at"`
}

// IsHead reports whether the chunk is the head of its document's chain.
func (c *DocumentChunk) IsHead() bool { return c.ParentID == nil }

// Route is a unit of investigation for one (document, sender) pair.
//
// Invariants: StatusInProgress implies StartedAt != nil and CompletedAt == nil;
// a terminal status implies CompletedAt != nil.
type Route struct {
	ID          uuid.UUID     `db:"id"`
	DocumentID  uuid.UUID     `db:"document_id"`
	SenderID    *uuid.UUID    `db:"sender_id"`
	Status      ProcessStatus `db:"status"`
	StartedAt   *time.Time    `db:"started_at"`
	CompletedAt *time.Time    `db:"completed_at"`
	CreatedAt   time.Time     `db:"created_at"`
}

// Forwarded is a routing decision, manual or predicted. IsValid is nil while a
// prediction awaits manual review, true once accepted and false once rejected.
type Forwarded struct {
	ID          uuid.UUID  `db:"id"`
	DocumentID  uuid.UUID  `db:"document_id"`
	SenderID    *uuid.UUID `db:"sender_id"`
	RecipientID uuid.UUID  `db:"recipient_id"`
	RouteID     *uuid.UUID `db:"route_id"`
	Purpose     *string    `db:"purpose"`
	IsValid     *bool      `db:"is_valid"`
	IsHidden    bool       `db:"is_hidden"`
	Score       *float64   `db:"score"`
	CreatedAt   time.Time  `db:"created_at"`
}

// PotentialRecipient is the transient evaluation state for one candidate agent
// during an investigation. SimilarDocs maps a similar document id to the
// aggregated similarity score that surfaced this candidate.
type PotentialRecipient struct {
	AgentID     uuid.UUID
	SimilarDocs map[uuid.UUID]float64
	Score       float64
	IsEligible  bool
}

// NewPotentialRecipient returns an empty candidate for the given agent.
func NewPotentialRecipient(agentID uuid.UUID) *PotentialRecipient {
	return &PotentialRecipient{AgentID: agentID, SimilarDocs: make(map[uuid.UUID]float64)}
}
