package evaluator

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/models"
)

// WeightedDocument is a similar document with the retrieval score acting as
// its weight in the historical signal.
type WeightedDocument struct {
	Document models.Document
	Weight   float64
}

// ForwardedStats is the slice of the forwarded store the evaluator reads.
type ForwardedStats interface {
	RecipientStatsForSender(ctx context.Context, senderID uuid.UUID) (map[uuid.UUID]int, error)
	ByDocumentID(ctx context.Context, documentID uuid.UUID, senderID *uuid.UUID) ([]models.Forwarded, error)
}

// Evaluator scores potential recipients by combining three normalized
// signals: similarity frequency, collaborative history of the sender, and
// forwarding-chain history of similar documents. Each signal and the final
// score lie in [0,1].
type Evaluator struct {
	forwarded ForwardedStats
	logger    *zap.Logger
}

func New(forwarded ForwardedStats, logger *zap.Logger) *Evaluator {
	return &Evaluator{forwarded: forwarded, logger: logger}
}

// Evaluate fills Score and IsEligible on every potential recipient. A
// candidate is eligible when its mean signal score strictly exceeds the
// threshold.
func (e *Evaluator) Evaluate(
	ctx context.Context,
	senderID uuid.UUID,
	recipients map[uuid.UUID]*models.PotentialRecipient,
	similarDocuments []WeightedDocument,
	eligibleThreshold float64,
) error {
	if len(recipients) == 0 {
		return nil
	}

	frequency := frequencyScores(recipients)
	collaborative, err := e.collaborativeScores(ctx, senderID, recipients)
	if err != nil {
		return fmt.Errorf("collaborative signal: %w", err)
	}
	historical, err := e.historicalScores(ctx, recipients, similarDocuments)
	if err != nil {
		return fmt.Errorf("historical signal: %w", err)
	}

	for agentID, recipient := range recipients {
		total := frequency[agentID] + collaborative[agentID] + historical[agentID]
		recipient.Score = total / 3
		recipient.IsEligible = recipient.Score > eligibleThreshold

		e.logger.Debug("Candidate scored",
			zap.String("agent_id", agentID.String()),
			zap.Float64("score", recipient.Score),
			zap.Bool("is_eligible", recipient.IsEligible),
		)
	}
	return nil
}

// frequencyScores sums similarity scores over the documents that surfaced
// each candidate, normalized by the maximum sum. A zero similarity score
// counts as 1 so manual records without scores still contribute.
func frequencyScores(recipients map[uuid.UUID]*models.PotentialRecipient) map[uuid.UUID]float64 {
	freq := make(map[uuid.UUID]float64, len(recipients))
	var max float64
	for agentID, recipient := range recipients {
		var score float64
		for _, docScore := range recipient.SimilarDocs {
			if docScore == 0 {
				docScore = 1
			}
			score += docScore
		}
		freq[agentID] = score
		if score > max {
			max = score
		}
	}
	return normalize(freq, max)
}

// collaborativeScores normalizes the sender's valid forwarding counts per
// candidate by the maximum count among all candidates.
func (e *Evaluator) collaborativeScores(
	ctx context.Context,
	senderID uuid.UUID,
	recipients map[uuid.UUID]*models.PotentialRecipient,
) (map[uuid.UUID]float64, error) {
	stats, err := e.forwarded.RecipientStatsForSender(ctx, senderID)
	if err != nil {
		return nil, err
	}

	var max int
	for _, n := range stats {
		if n > max {
			max = n
		}
	}

	out := make(map[uuid.UUID]float64, len(recipients))
	if max == 0 {
		return out, nil
	}
	for agentID := range recipients {
		out[agentID] = float64(stats[agentID]) / float64(max)
	}
	return out, nil
}

// historicalScores walks the forwarding chains of every similar document in
// creation order; each time a candidate appears as the next hop after another
// forwarded, its counter grows by the document's weight.
func (e *Evaluator) historicalScores(
	ctx context.Context,
	recipients map[uuid.UUID]*models.PotentialRecipient,
	similarDocuments []WeightedDocument,
) (map[uuid.UUID]float64, error) {
	counts := make(map[uuid.UUID]float64)
	for _, wd := range similarDocuments {
		forwards, err := e.forwarded.ByDocumentID(ctx, wd.Document.ID, nil)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(forwards, func(i, j int) bool {
			return forwards[i].CreatedAt.Before(forwards[j].CreatedAt)
		})
		weight := wd.Weight
		if weight == 0 {
			weight = 1
		}
		for i := 0; i+1 < len(forwards); i++ {
			next := forwards[i+1].RecipientID
			if _, ok := recipients[next]; ok {
				counts[next] += weight
			}
		}
	}

	var max float64
	for _, n := range counts {
		if n > max {
			max = n
		}
	}
	return normalize(counts, max), nil
}

// normalize divides every value by max; when max is 0 the signal contributes
// 0 uniformly rather than dividing by zero.
func normalize(values map[uuid.UUID]float64, max float64) map[uuid.UUID]float64 {
	out := make(map[uuid.UUID]float64, len(values))
	if max == 0 {
		return out
	}
	for k, v := range values {
		out[k] = v / max
	}
	return out
}
