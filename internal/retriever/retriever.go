package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/models"
	"github.com/courierhq/courier/internal/store"
)

// Aggregation folds per-chunk scores into one score per document.
type Aggregation string

const (
	AggregationMean     Aggregation = "mean"
	AggregationMax      Aggregation = "max"
	AggregationTopKMean Aggregation = "top_k_mean"
)

// Options tune a retrieval pass.
type Options struct {
	// Limit is the final number of documents returned.
	Limit int
	// SoftLimitMultiplier widens the per-chunk search to Limit*m so that
	// aggregation has enough material before truncation. Must be >= 1.
	SoftLimitMultiplier float64
	Metric              store.Metric
	Aggregation         Aggregation
	// ScoreThreshold prunes aggregated document scores; its sense follows the
	// metric (keep >= for inner, keep <= otherwise). Nil disables pruning.
	ScoreThreshold *float64
	// TopKMeanK bounds the pairs considered by top_k_mean. Zero means 3.
	TopKMeanK int
}

func (o Options) softLimit() int {
	m := o.SoftLimitMultiplier
	if m < 1 {
		m = 1
	}
	return int(math.Ceil(float64(o.Limit) * m))
}

// ScoredDocument pairs a document with its aggregated similarity score.
type ScoredDocument struct {
	Document models.Document
	Score    float64
}

// ChunkSearcher is the slice of the chunk store the retriever needs.
type ChunkSearcher interface {
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]models.DocumentChunk, error)
	Search(ctx context.Context, query pgvector.Vector, k int, metric store.Metric, filter store.SearchFilter) ([]store.ChunkMatch, error)
}

// DocumentReader resolves document ids to documents.
type DocumentReader interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Document, error)
}

// Embedder vectorizes free text for query-based retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever produces ranked (document, score) lists by chunk-level vector
// search with textual re-ranking and weighted per-document aggregation.
type Retriever struct {
	chunks   ChunkSearcher
	docs     DocumentReader
	embedder Embedder
	logger   *zap.Logger
}

func New(chunks ChunkSearcher, docs DocumentReader, embedder Embedder, logger *zap.Logger) *Retriever {
	return &Retriever{chunks: chunks, docs: docs, embedder: embedder, logger: logger}
}

type sourceChunk struct {
	content   string
	embedding pgvector.Vector
}

// BySimilarDocument retrieves documents similar to the source document,
// optionally scoped to documents the sender has forwarded before and
// excluding the given document ids. The source document itself is always
// excluded.
func (r *Retriever) BySimilarDocument(
	ctx context.Context,
	documentID uuid.UUID,
	senderID *uuid.UUID,
	excludeDocumentIDs []uuid.UUID,
	opts Options,
) ([]ScoredDocument, error) {
	chunks, err := r.chunks.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	sources := make([]sourceChunk, len(chunks))
	for i, c := range chunks {
		sources[i] = sourceChunk{content: c.Content, embedding: c.Embedding}
	}

	exclude := append([]uuid.UUID{documentID}, excludeDocumentIDs...)
	return r.retrieve(ctx, sources, senderID, exclude, opts)
}

// ByQuery retrieves documents similar to a free-text query. The query is
// embedded through the caching embedder.
func (r *Retriever) ByQuery(
	ctx context.Context,
	query string,
	senderID *uuid.UUID,
	excludeDocumentIDs []uuid.UUID,
	opts Options,
) ([]ScoredDocument, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	sources := []sourceChunk{{content: query, embedding: pgvector.NewVector(vec)}}
	return r.retrieve(ctx, sources, senderID, excludeDocumentIDs, opts)
}

type scoredChunk struct {
	chunk models.DocumentChunk
	score float64
}

func (r *Retriever) retrieve(
	ctx context.Context,
	sources []sourceChunk,
	senderID *uuid.UUID,
	excludeDocumentIDs []uuid.UUID,
	opts Options,
) ([]ScoredDocument, error) {
	r.logger.Debug("Retriever query",
		zap.Int("source_chunks", len(sources)),
		zap.Int("limit", opts.Limit),
		zap.String("distance_metric", string(opts.Metric)),
		zap.String("aggregation_method", string(opts.Aggregation)),
	)

	filter := store.SearchFilter{
		SenderID:           senderID,
		ExcludeDocumentIDs: excludeDocumentIDs,
	}
	softLimit := opts.softLimit()

	var relevant []scoredChunk
	for _, src := range sources {
		matches, err := r.chunks.Search(ctx, src.embedding, softLimit, opts.Metric, filter)
		if err != nil {
			return nil, fmt.Errorf("search similar chunks: %w", err)
		}
		for _, m := range matches {
			// NaN scores from upstream are skipped, never aggregated.
			if math.IsNaN(m.Score) {
				continue
			}
			relevant = append(relevant, scoredChunk{chunk: m.Chunk, score: rerank(src.content, m.Chunk, m.Score, opts.Metric)})
		}
	}
	metrics.RetrieverChunksScored.Observe(float64(len(relevant)))

	docScores := make(map[uuid.UUID][]scoreWeight)
	for _, sc := range relevant {
		docScores[sc.chunk.DocumentID] = append(docScores[sc.chunk.DocumentID], scoreWeight{
			score:  sc.score,
			weight: chunkWeight(&sc.chunk),
		})
	}

	type docScore struct {
		id    uuid.UUID
		score float64
	}
	scored := make([]docScore, 0, len(docScores))
	for id, pairs := range docScores {
		agg := aggregate(pairs, opts.Aggregation, opts.Metric, opts.TopKMeanK)
		if opts.ScoreThreshold != nil {
			if opts.Metric == store.MetricInner && agg < *opts.ScoreThreshold {
				continue
			}
			if opts.Metric != store.MetricInner && agg > *opts.ScoreThreshold {
				continue
			}
		}
		scored = append(scored, docScore{id: id, score: agg})
	}

	// Deterministic order: metric sense first, document id as tie-break.
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			if opts.Metric.Ascending() {
				return scored[i].score < scored[j].score
			}
			return scored[i].score > scored[j].score
		}
		return scored[i].id.String() < scored[j].id.String()
	})
	if opts.Limit > 0 && len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}

	ids := make([]uuid.UUID, len(scored))
	for i, ds := range scored {
		ids[i] = ds.id
	}
	docs, err := r.docs.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve similar documents: %w", err)
	}
	byID := make(map[uuid.UUID]models.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	result := make([]ScoredDocument, 0, len(scored))
	for _, ds := range scored {
		if doc, ok := byID[ds.id]; ok {
			result = append(result, ScoredDocument{Document: doc, Score: ds.score})
		}
	}
	metrics.RetrieverDocumentsReturned.Observe(float64(len(result)))

	if len(result) == 0 {
		r.logger.Warn("No documents retrieved")
	} else {
		r.logger.Debug("Returning documents", zap.Int("documents_count", len(result)))
	}
	return result, nil
}

// rerank blends the raw metric score with a textual similarity coefficient.
// For inner product both grow with similarity; for distances the textual term
// is flipped so smaller stays better.
func rerank(sourceContent string, candidate models.DocumentChunk, raw float64, metric store.Metric) float64 {
	t := Ratio(sourceContent, candidate.Content)
	if metric == store.MetricInner {
		return (raw + t) / 2
	}
	return (raw + (1 - t)) / 2
}

type scoreWeight struct {
	score  float64
	weight float64
}

// chunkWeight favors longer chunks and doubles head chunks, which carry the
// document's lead content.
func chunkWeight(c *models.DocumentChunk) float64 {
	w := float64(utf8.RuneCountInString(c.Content))
	if c.IsHead() {
		w *= 2
	}
	return w
}

func aggregate(pairs []scoreWeight, method Aggregation, metric store.Metric, topK int) float64 {
	switch method {
	case AggregationMean:
		return weightedMean(pairs)
	case AggregationMax:
		best := pairs[0].score
		for _, p := range pairs[1:] {
			if metric == store.MetricInner {
				if p.score > best {
					best = p.score
				}
			} else if p.score < best {
				best = p.score
			}
		}
		return best
	case AggregationTopKMean:
		if topK <= 0 {
			topK = 3
		}
		sorted := make([]scoreWeight, len(pairs))
		copy(sorted, pairs)
		sort.Slice(sorted, func(i, j int) bool {
			if metric == store.MetricInner {
				return sorted[i].score > sorted[j].score
			}
			return sorted[i].score < sorted[j].score
		})
		if len(sorted) > topK {
			sorted = sorted[:topK]
		}
		return weightedMean(sorted)
	default:
		return weightedMean(pairs)
	}
}

// weightedMean guards the zero-weight division and returns 0.
func weightedMean(pairs []scoreWeight) float64 {
	var sum, totalWeight float64
	for _, p := range pairs {
		sum += p.score * p.weight
		totalWeight += p.weight
	}
	if totalWeight == 0 {
		return 0
	}
	return sum / totalWeight
}
