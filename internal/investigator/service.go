package investigator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/errs"
	"github.com/courierhq/courier/internal/evaluator"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/models"
	"github.com/courierhq/courier/internal/retriever"
	"github.com/courierhq/courier/internal/store"
)

// RouteStore is the route persistence surface the investigator drives.
type RouteStore interface {
	Create(ctx context.Context, documentID uuid.UUID, senderID *uuid.UUID) (models.Route, error)
	Get(ctx context.Context, id uuid.UUID) (models.Route, error)
	Transition(ctx context.Context, id uuid.UUID, to models.ProcessStatus) (models.Route, error)
	TransitionExec(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, to models.ProcessStatus) (models.Route, error)
	Search(ctx context.Context, q store.RouteSearch) ([]models.Route, int, error)
}

// ForwardedStore persists and reads predictions.
type ForwardedStore interface {
	AddMany(ctx context.Context, q sqlx.ExtContext, rows []models.Forwarded) error
	ByRouteID(ctx context.Context, routeID uuid.UUID) ([]models.Forwarded, error)
}

// AgentStore answers recipient queries.
type AgentStore interface {
	DefaultRecipients(ctx context.Context) ([]models.Agent, error)
	RecipientsForSender(ctx context.Context, senderID uuid.UUID, documentID *uuid.UUID) ([]models.Agent, error)
}

// Retriever finds documents similar to the route's document.
type Retriever interface {
	BySimilarDocument(ctx context.Context, documentID uuid.UUID, senderID *uuid.UUID, excludeDocumentIDs []uuid.UUID, opts retriever.Options) ([]retriever.ScoredDocument, error)
}

// Evaluator scores assembled candidates.
type Evaluator interface {
	Evaluate(ctx context.Context, senderID uuid.UUID, recipients map[uuid.UUID]*models.PotentialRecipient, similarDocuments []evaluator.WeightedDocument, eligibleThreshold float64) error
}

// TxRunner provides the transaction and advisory-lock surface of the db client.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	AdvisoryLock(ctx context.Context, tx *sqlx.Tx, key string) error
}

// Service orchestrates route investigations: two-pass retrieval, candidate
// assembly and evaluation, prediction writes, and the terminal transition.
type Service struct {
	cfg       config.RouterConfig
	routes    RouteStore
	forwarded ForwardedStore
	agents    AgentStore
	retriever Retriever
	evaluator Evaluator
	tx        TxRunner
	logger    *zap.Logger
}

func New(
	cfg config.RouterConfig,
	routes RouteStore,
	forwarded ForwardedStore,
	agents AgentStore,
	ret Retriever,
	eval Evaluator,
	tx TxRunner,
	logger *zap.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		routes:    routes,
		forwarded: forwarded,
		agents:    agents,
		retriever: ret,
		evaluator: eval,
		tx:        tx,
		logger:    logger,
	}
}

// Initialize creates a pending route for the document.
func (s *Service) Initialize(ctx context.Context, documentID uuid.UUID, senderID *uuid.UUID) (models.Route, error) {
	return s.routes.Create(ctx, documentID, senderID)
}

// Get returns a route by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Route, error) {
	return s.routes.Get(ctx, id)
}

// Fetch returns a route together with its predictions.
func (s *Service) Fetch(ctx context.Context, id uuid.UUID) (models.Route, []models.Forwarded, error) {
	route, err := s.routes.Get(ctx, id)
	if err != nil {
		return models.Route{}, nil, err
	}
	forwards, err := s.forwarded.ByRouteID(ctx, id)
	if err != nil {
		return models.Route{}, nil, err
	}
	return route, forwards, nil
}

// Search returns a page of routes matching the filters plus the total count.
func (s *Service) Search(ctx context.Context, q store.RouteSearch) ([]models.Route, int, error) {
	return s.routes.Search(ctx, q)
}

func (s *Service) retrieverOptions() retriever.Options {
	return retriever.Options{
		Limit:               s.cfg.RetrieverLimit,
		SoftLimitMultiplier: s.cfg.RetrieverSoftLimitMultiplier,
		Metric:              store.Metric(s.cfg.RetrieverDistanceMetric),
		Aggregation:         retriever.Aggregation(s.cfg.RetrieverAggregationMethod),
		ScoreThreshold:      s.cfg.RetrieverScoreThreshold,
		TopKMeanK:           s.cfg.TopKMeanK,
	}
}

// Investigate runs one investigation end to end. With allowRecovery a failed
// or timed-out route is first reset to pending; otherwise only pending routes
// may start. The claim of the route is an atomic status transition, so a
// concurrent investigator losing the race gets OperationNotAllowed and must
// back off without writes.
func (s *Service) Investigate(ctx context.Context, id uuid.UUID, allowRecovery bool) (models.Route, error) {
	route, err := s.routes.Get(ctx, id)
	if err != nil {
		return models.Route{}, err
	}
	if route.SenderID == nil {
		return models.Route{}, errs.BusinessLogic("cannot investigate route %s without a sender", id)
	}

	if route.Status != models.StatusPending {
		if allowRecovery && (route.Status == models.StatusFailed || route.Status == models.StatusTimeout) {
			if route, err = s.routes.Transition(ctx, id, models.StatusPending); err != nil {
				return models.Route{}, err
			}
		} else {
			return models.Route{}, errs.OperationNotAllowed(
				"route %s investigation already concluded with status %q", id, route.Status)
		}
	}

	route, err = s.routes.Transition(ctx, id, models.StatusInProgress)
	if err != nil {
		return models.Route{}, err
	}

	metrics.InvestigationsStarted.Inc()
	metrics.InvestigationsInFlight.Inc()
	start := time.Now()
	defer func() {
		metrics.InvestigationsInFlight.Dec()
		metrics.InvestigationDuration.Observe(time.Since(start).Seconds())
	}()

	route, err = s.run(ctx, route)
	if err != nil {
		// A lost completion race means the watchdog or an operator already
		// concluded the route; leave their terminal status untouched.
		if errs.Is(err, errs.KindOperationNotAllowed) {
			s.logger.Warn("Investigation lost completion race",
				zap.String("route_id", id.String()),
				zap.Error(err),
			)
			current, getErr := s.routes.Get(ctx, id)
			if getErr != nil {
				return models.Route{}, getErr
			}
			metrics.InvestigationsCompleted.WithLabelValues(string(current.Status)).Inc()
			return current, nil
		}

		s.logger.Error("Investigation failed",
			zap.String("route_id", id.String()),
			zap.Error(err),
		)
		if _, trErr := s.routes.Transition(ctx, id, models.StatusFailed); trErr != nil {
			s.logger.Error("Failed to mark route failed",
				zap.String("route_id", id.String()),
				zap.Error(trErr),
			)
		}
		metrics.InvestigationsCompleted.WithLabelValues(string(models.StatusFailed)).Inc()
		return models.Route{}, err
	}

	metrics.InvestigationsCompleted.WithLabelValues(string(route.Status)).Inc()
	return route, nil
}

func (s *Service) run(ctx context.Context, route models.Route) (models.Route, error) {
	opts := s.retrieverOptions()
	senderID := *route.SenderID

	// First pass: scoped to documents the sender has forwarded before.
	firstPass, err := s.retriever.BySimilarDocument(ctx, route.DocumentID, route.SenderID, nil, opts)
	if err != nil {
		return models.Route{}, err
	}

	// Second pass: unscoped, excluding the first pass hits, to catch
	// near-duplicates outside the sender's history.
	exclude := make([]uuid.UUID, len(firstPass))
	for i, sd := range firstPass {
		exclude[i] = sd.Document.ID
	}
	secondPass, err := s.retriever.BySimilarDocument(ctx, route.DocumentID, nil, exclude, opts)
	if err != nil {
		return models.Route{}, err
	}

	// The document is known in the system but not in the sender's history:
	// route it to the default recipients instead of guessing.
	if len(firstPass) == 0 && len(secondPass) > 0 {
		return s.completeWithDefaults(ctx, route)
	}

	similar := firstPass
	for _, sd := range secondPass {
		sd.Score *= s.cfg.SecondPassDampening
		similar = append(similar, sd)
	}

	candidates := make(map[uuid.UUID]*models.PotentialRecipient)
	for _, sd := range similar {
		recipients, err := s.agents.RecipientsForSender(ctx, senderID, &sd.Document.ID)
		if err != nil {
			s.logger.Warn("No potential recipients found for similar document",
				zap.String("similar_document_id", sd.Document.ID.String()),
				zap.String("sender_id", senderID.String()),
				zap.Error(err),
			)
			continue
		}
		for _, agent := range recipients {
			candidate, ok := candidates[agent.ID]
			if !ok {
				candidate = models.NewPotentialRecipient(agent.ID)
				candidates[agent.ID] = candidate
			}
			candidate.SimilarDocs[sd.Document.ID] = sd.Score
		}
	}

	weighted := make([]evaluator.WeightedDocument, len(similar))
	for i, sd := range similar {
		weighted[i] = evaluator.WeightedDocument{Document: sd.Document, Weight: sd.Score}
	}
	if err := s.evaluator.Evaluate(ctx, senderID, candidates, weighted, s.cfg.CandidateScoreThreshold); err != nil {
		return models.Route{}, err
	}

	var predictions []models.Forwarded
	for _, candidate := range candidates {
		if !candidate.IsEligible {
			continue
		}
		score := candidate.Score
		predictions = append(predictions, models.Forwarded{
			DocumentID:  route.DocumentID,
			SenderID:    route.SenderID,
			RecipientID: candidate.AgentID,
			RouteID:     &route.ID,
			Score:       &score,
		})
	}

	s.logger.Info("Investigation concluded",
		zap.String("route_id", route.ID.String()),
		zap.Int("similar_documents", len(similar)),
		zap.Int("candidates", len(candidates)),
		zap.Int("predictions", len(predictions)),
	)
	return s.complete(ctx, route, predictions)
}

// completeWithDefaults writes one prediction per default recipient with the
// fallback score and concludes the route.
func (s *Service) completeWithDefaults(ctx context.Context, route models.Route) (models.Route, error) {
	defaults, err := s.agents.DefaultRecipients(ctx)
	if err != nil {
		return models.Route{}, err
	}

	fallbackScore := s.cfg.CandidateScoreThreshold
	if fallbackScore <= 0 {
		fallbackScore = 0.99
	}

	predictions := make([]models.Forwarded, 0, len(defaults))
	for _, agent := range defaults {
		score := fallbackScore
		predictions = append(predictions, models.Forwarded{
			DocumentID:  route.DocumentID,
			SenderID:    route.SenderID,
			RecipientID: agent.ID,
			RouteID:     &route.ID,
			Score:       &score,
		})
	}

	s.logger.Info("Routing to default recipients",
		zap.String("route_id", route.ID.String()),
		zap.Int("default_recipients", len(defaults)),
	)
	return s.complete(ctx, route, predictions)
}

// complete persists the predictions and the terminal transition atomically.
// The advisory lock keyed by route id keeps a concurrent retry of the same
// route in another process from interleaving its writes.
func (s *Service) complete(ctx context.Context, route models.Route, predictions []models.Forwarded) (models.Route, error) {
	var concluded models.Route
	err := s.tx.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := s.tx.AdvisoryLock(ctx, tx, route.ID.String()); err != nil {
			return err
		}
		if err := s.forwarded.AddMany(ctx, tx, predictions); err != nil {
			return err
		}
		var err error
		concluded, err = s.routes.TransitionExec(ctx, tx, route.ID, models.StatusCompleted)
		return err
	})
	if err != nil {
		return models.Route{}, err
	}
	return concluded, nil
}
