package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/models"
)

type fakeForwarded struct {
	stats    map[uuid.UUID]int
	statsErr error
	byDoc    map[uuid.UUID][]models.Forwarded
}

func (f *fakeForwarded) RecipientStatsForSender(_ context.Context, _ uuid.UUID) (map[uuid.UUID]int, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return f.stats, nil
}

func (f *fakeForwarded) ByDocumentID(_ context.Context, documentID uuid.UUID, _ *uuid.UUID) ([]models.Forwarded, error) {
	return f.byDoc[documentID], nil
}

func forwardedTo(recipient uuid.UUID, at time.Time) models.Forwarded {
	return models.Forwarded{ID: uuid.New(), RecipientID: recipient, CreatedAt: at}
}

func TestEvaluateCombinesSignals(t *testing.T) {
	sender := uuid.New()
	agentA, agentB, agentC := uuid.New(), uuid.New(), uuid.New()
	doc1, doc2 := uuid.New(), uuid.New()
	now := time.Now()

	recipients := map[uuid.UUID]*models.PotentialRecipient{
		agentA: {AgentID: agentA, SimilarDocs: map[uuid.UUID]float64{doc1: 0.5}},
		agentB: {AgentID: agentB, SimilarDocs: map[uuid.UUID]float64{doc1: 0.5, doc2: 1.0}},
	}
	forwarded := &fakeForwarded{
		stats: map[uuid.UUID]int{agentA: 2, agentB: 4},
		byDoc: map[uuid.UUID][]models.Forwarded{
			// Chain C -> A: A is the next hop after an earlier forwarded.
			doc1: {forwardedTo(agentC, now), forwardedTo(agentA, now.Add(time.Minute))},
			// Chain C -> B.
			doc2: {forwardedTo(agentC, now), forwardedTo(agentB, now.Add(time.Minute))},
		},
	}
	e := New(forwarded, zap.NewNop())

	similar := []WeightedDocument{
		{Document: models.Document{ID: doc1}, Weight: 0.5},
		{Document: models.Document{ID: doc2}, Weight: 1.0},
	}
	require.NoError(t, e.Evaluate(context.Background(), sender, recipients, similar, 0.6))

	// A: frequency 0.5/1.5, collaborative 2/4, historical 0.5/1.0.
	assert.InDelta(t, (1.0/3.0+0.5+0.5)/3.0, recipients[agentA].Score, 1e-9)
	assert.False(t, recipients[agentA].IsEligible)

	// B maxes every signal.
	assert.InDelta(t, 1.0, recipients[agentB].Score, 1e-9)
	assert.True(t, recipients[agentB].IsEligible)
}

func TestEvaluateZeroSignalsContributeNothing(t *testing.T) {
	sender := uuid.New()
	agentA := uuid.New()
	doc1 := uuid.New()

	recipients := map[uuid.UUID]*models.PotentialRecipient{
		agentA: {AgentID: agentA, SimilarDocs: map[uuid.UUID]float64{doc1: 0.8}},
	}
	e := New(&fakeForwarded{}, zap.NewNop())

	similar := []WeightedDocument{{Document: models.Document{ID: doc1}, Weight: 0.8}}
	require.NoError(t, e.Evaluate(context.Background(), sender, recipients, similar, 0.6))

	// Only the frequency signal fires; normalized to 1, then divided by 3.
	assert.InDelta(t, 1.0/3.0, recipients[agentA].Score, 1e-9)
	assert.False(t, recipients[agentA].IsEligible)
}

func TestEvaluateZeroScoreCountsAsOne(t *testing.T) {
	sender := uuid.New()
	agentA, agentB := uuid.New(), uuid.New()
	doc1, doc2 := uuid.New(), uuid.New()

	// A's record carries no score (manual record): treated as 1, so A's
	// frequency sum beats B's 0.4.
	recipients := map[uuid.UUID]*models.PotentialRecipient{
		agentA: {AgentID: agentA, SimilarDocs: map[uuid.UUID]float64{doc1: 0}},
		agentB: {AgentID: agentB, SimilarDocs: map[uuid.UUID]float64{doc2: 0.4}},
	}
	e := New(&fakeForwarded{}, zap.NewNop())

	require.NoError(t, e.Evaluate(context.Background(), sender, recipients, nil, 0.6))
	assert.Greater(t, recipients[agentA].Score, recipients[agentB].Score)
}

func TestEvaluateEmptyRecipients(t *testing.T) {
	e := New(&fakeForwarded{statsErr: errors.New("unreachable")}, zap.NewNop())
	require.NoError(t, e.Evaluate(context.Background(), uuid.New(), nil, nil, 0.6))
}

func TestEvaluatePropagatesStoreError(t *testing.T) {
	sender := uuid.New()
	agentA := uuid.New()
	recipients := map[uuid.UUID]*models.PotentialRecipient{
		agentA: {AgentID: agentA, SimilarDocs: map[uuid.UUID]float64{}},
	}
	e := New(&fakeForwarded{statsErr: errors.New("connection reset")}, zap.NewNop())

	err := e.Evaluate(context.Background(), sender, recipients, nil, 0.6)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collaborative signal")
}
