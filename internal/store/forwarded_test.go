package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/models"
)

func TestRecipientStatsForSender(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewForwardedStore(db, zap.NewNop())
	sender := uuid.New()
	r1, r2 := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT recipient_id, count\(\*\) AS n`).
		WithArgs(sender).
		WillReturnRows(sqlmock.NewRows([]string{"recipient_id", "n"}).
			AddRow(r1.String(), 3).
			AddRow(r2.String(), 1))

	stats, err := s.RecipientStatsForSender(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{r1: 3, r2: 1}, stats)
}

func TestAddManyFillsIDs(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewForwardedStore(db, zap.NewNop())

	rows := []models.Forwarded{
		{DocumentID: uuid.New(), RecipientID: uuid.New()},
		{DocumentID: uuid.New(), RecipientID: uuid.New()},
	}
	mock.ExpectExec(`INSERT INTO forwarded`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO forwarded`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.AddMany(context.Background(), db, rows))
	assert.NotEqual(t, uuid.Nil, rows[0].ID)
	assert.NotEqual(t, uuid.Nil, rows[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChunkInsert(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewChunkStore(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO document_chunks`).WillReturnResult(sqlmock.NewResult(0, 1))

	chunk := models.DocumentChunk{
		DocumentID: uuid.New(),
		Content:    "lead paragraph",
		Embedding:  pgvector.NewVector([]float32{0.1, 0.2}),
	}
	require.NoError(t, s.Insert(context.Background(), &chunk))
	assert.NotEqual(t, uuid.Nil, chunk.ID)
}
