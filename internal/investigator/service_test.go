package investigator

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/errs"
	"github.com/courierhq/courier/internal/evaluator"
	"github.com/courierhq/courier/internal/models"
	"github.com/courierhq/courier/internal/retriever"
	"github.com/courierhq/courier/internal/store"
)

type fakeRoutes struct {
	route         models.Route
	transitions   []models.ProcessStatus
	transitionErr map[models.ProcessStatus]error
}

func (f *fakeRoutes) Create(_ context.Context, documentID uuid.UUID, senderID *uuid.UUID) (models.Route, error) {
	return models.Route{ID: uuid.New(), DocumentID: documentID, SenderID: senderID, Status: models.StatusPending}, nil
}

func (f *fakeRoutes) Get(_ context.Context, _ uuid.UUID) (models.Route, error) {
	return f.route, nil
}

func (f *fakeRoutes) Transition(_ context.Context, _ uuid.UUID, to models.ProcessStatus) (models.Route, error) {
	if err := f.transitionErr[to]; err != nil {
		return models.Route{}, err
	}
	f.transitions = append(f.transitions, to)
	f.route.Status = to
	return f.route, nil
}

func (f *fakeRoutes) TransitionExec(ctx context.Context, _ sqlx.ExtContext, id uuid.UUID, to models.ProcessStatus) (models.Route, error) {
	return f.Transition(ctx, id, to)
}

func (f *fakeRoutes) Search(_ context.Context, _ store.RouteSearch) ([]models.Route, int, error) {
	return nil, 0, nil
}

type fakeForwarded struct {
	added []models.Forwarded
}

func (f *fakeForwarded) AddMany(_ context.Context, _ sqlx.ExtContext, rows []models.Forwarded) error {
	f.added = append(f.added, rows...)
	return nil
}

func (f *fakeForwarded) ByRouteID(_ context.Context, _ uuid.UUID) ([]models.Forwarded, error) {
	return f.added, nil
}

type fakeAgents struct {
	defaults   []models.Agent
	recipients map[uuid.UUID][]models.Agent // by document id
}

func (f *fakeAgents) DefaultRecipients(_ context.Context) ([]models.Agent, error) {
	return f.defaults, nil
}

func (f *fakeAgents) RecipientsForSender(_ context.Context, _ uuid.UUID, documentID *uuid.UUID) ([]models.Agent, error) {
	if documentID == nil {
		return nil, nil
	}
	return f.recipients[*documentID], nil
}

type retrieverCall struct {
	senderID *uuid.UUID
	exclude  []uuid.UUID
}

type fakeRetriever struct {
	passes [][]retriever.ScoredDocument
	calls  []retrieverCall
	err    error
}

func (f *fakeRetriever) BySimilarDocument(_ context.Context, _ uuid.UUID, senderID *uuid.UUID, exclude []uuid.UUID, _ retriever.Options) ([]retriever.ScoredDocument, error) {
	f.calls = append(f.calls, retrieverCall{senderID: senderID, exclude: exclude})
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.calls) - 1
	if idx >= len(f.passes) {
		return nil, nil
	}
	return f.passes[idx], nil
}

type fakeEvaluator struct {
	gotSimilar []evaluator.WeightedDocument
	score      float64
	eligible   bool
}

func (f *fakeEvaluator) Evaluate(_ context.Context, _ uuid.UUID, recipients map[uuid.UUID]*models.PotentialRecipient, similar []evaluator.WeightedDocument, _ float64) error {
	f.gotSimilar = similar
	for _, r := range recipients {
		r.Score = f.score
		r.IsEligible = f.eligible
	}
	return nil
}

type fakeTx struct {
	lockedKeys []string
}

func (f *fakeTx) WithTransaction(_ context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (f *fakeTx) AdvisoryLock(_ context.Context, _ *sqlx.Tx, key string) error {
	f.lockedKeys = append(f.lockedKeys, key)
	return nil
}

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		RetrieverLimit:               20,
		RetrieverSoftLimitMultiplier: 5,
		RetrieverDistanceMetric:      "cosine",
		RetrieverAggregationMethod:   "max",
		CandidateScoreThreshold:      0.6,
		SecondPassDampening:          0.55,
		TopKMeanK:                    3,
	}
}

func pendingRoute() models.Route {
	sender := uuid.New()
	return models.Route{
		ID:         uuid.New(),
		DocumentID: uuid.New(),
		SenderID:   &sender,
		Status:     models.StatusPending,
	}
}

func scoredDoc(score float64) retriever.ScoredDocument {
	return retriever.ScoredDocument{Document: models.Document{ID: uuid.New()}, Score: score}
}

func TestInvestigateHappyPath(t *testing.T) {
	route := pendingRoute()
	d1 := scoredDoc(0.2)
	d2 := scoredDoc(0.4)
	recipient := models.Agent{ID: uuid.New()}

	routes := &fakeRoutes{route: route, transitionErr: map[models.ProcessStatus]error{}}
	forwarded := &fakeForwarded{}
	agents := &fakeAgents{recipients: map[uuid.UUID][]models.Agent{
		d1.Document.ID: {recipient},
		d2.Document.ID: {recipient},
	}}
	ret := &fakeRetriever{passes: [][]retriever.ScoredDocument{{d1}, {d2}}}
	eval := &fakeEvaluator{score: 0.8, eligible: true}
	tx := &fakeTx{}

	s := New(testRouterConfig(), routes, forwarded, agents, ret, eval, tx, zap.NewNop())
	got, err := s.Investigate(context.Background(), route.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	// First pass is sender-scoped, second pass unscoped and excludes the
	// first pass hits.
	require.Len(t, ret.calls, 2)
	require.NotNil(t, ret.calls[0].senderID)
	assert.Equal(t, *route.SenderID, *ret.calls[0].senderID)
	assert.Nil(t, ret.calls[1].senderID)
	assert.Equal(t, []uuid.UUID{d1.Document.ID}, ret.calls[1].exclude)

	// Second pass scores are dampened before evaluation.
	require.Len(t, eval.gotSimilar, 2)
	assert.InDelta(t, 0.2, eval.gotSimilar[0].Weight, 1e-9)
	assert.InDelta(t, 0.4*0.55, eval.gotSimilar[1].Weight, 1e-9)

	require.Len(t, forwarded.added, 1)
	pred := forwarded.added[0]
	assert.Equal(t, recipient.ID, pred.RecipientID)
	assert.Equal(t, route.DocumentID, pred.DocumentID)
	require.NotNil(t, pred.RouteID)
	assert.Equal(t, route.ID, *pred.RouteID)
	require.NotNil(t, pred.Score)
	assert.InDelta(t, 0.8, *pred.Score, 1e-9)
	assert.Nil(t, pred.IsValid)

	assert.Equal(t, []models.ProcessStatus{models.StatusInProgress, models.StatusCompleted}, routes.transitions)
	assert.Equal(t, []string{route.ID.String()}, tx.lockedKeys)
}

func TestInvestigateWithoutSender(t *testing.T) {
	route := pendingRoute()
	route.SenderID = nil
	routes := &fakeRoutes{route: route}

	s := New(testRouterConfig(), routes, &fakeForwarded{}, &fakeAgents{}, &fakeRetriever{}, &fakeEvaluator{}, &fakeTx{}, zap.NewNop())
	_, err := s.Investigate(context.Background(), route.ID, false)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBusinessLogic))
	assert.Empty(t, routes.transitions)
}

func TestInvestigateConcludedRoute(t *testing.T) {
	route := pendingRoute()
	route.Status = models.StatusCompleted
	routes := &fakeRoutes{route: route}

	s := New(testRouterConfig(), routes, &fakeForwarded{}, &fakeAgents{}, &fakeRetriever{}, &fakeEvaluator{}, &fakeTx{}, zap.NewNop())
	_, err := s.Investigate(context.Background(), route.ID, false)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindOperationNotAllowed))
}

func TestInvestigateRecoversFailedRoute(t *testing.T) {
	route := pendingRoute()
	route.Status = models.StatusFailed
	routes := &fakeRoutes{route: route, transitionErr: map[models.ProcessStatus]error{}}
	ret := &fakeRetriever{}

	s := New(testRouterConfig(), routes, &fakeForwarded{}, &fakeAgents{}, ret, &fakeEvaluator{}, &fakeTx{}, zap.NewNop())
	got, err := s.Investigate(context.Background(), route.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, []models.ProcessStatus{
		models.StatusPending, models.StatusInProgress, models.StatusCompleted,
	}, routes.transitions)
}

func TestInvestigateFallbackToDefaults(t *testing.T) {
	route := pendingRoute()
	defaults := []models.Agent{{ID: uuid.New()}, {ID: uuid.New()}}
	routes := &fakeRoutes{route: route, transitionErr: map[models.ProcessStatus]error{}}
	forwarded := &fakeForwarded{}
	agents := &fakeAgents{defaults: defaults}
	// First pass empty, second pass finds an unscoped near-duplicate.
	ret := &fakeRetriever{passes: [][]retriever.ScoredDocument{nil, {scoredDoc(0.1)}}}

	s := New(testRouterConfig(), routes, forwarded, agents, ret, &fakeEvaluator{}, &fakeTx{}, zap.NewNop())
	got, err := s.Investigate(context.Background(), route.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	require.Len(t, forwarded.added, 2)
	for _, pred := range forwarded.added {
		require.NotNil(t, pred.Score)
		assert.InDelta(t, 0.6, *pred.Score, 1e-9)
		assert.Nil(t, pred.IsValid)
	}
}

func TestInvestigateBothPassesEmptyCompletesWithoutPredictions(t *testing.T) {
	route := pendingRoute()
	routes := &fakeRoutes{route: route, transitionErr: map[models.ProcessStatus]error{}}
	forwarded := &fakeForwarded{}

	s := New(testRouterConfig(), routes, forwarded, &fakeAgents{}, &fakeRetriever{}, &fakeEvaluator{}, &fakeTx{}, zap.NewNop())
	got, err := s.Investigate(context.Background(), route.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Empty(t, forwarded.added)
}

func TestInvestigateFailureMarksRouteFailed(t *testing.T) {
	route := pendingRoute()
	routes := &fakeRoutes{route: route, transitionErr: map[models.ProcessStatus]error{}}
	ret := &fakeRetriever{err: errors.New("embedding provider down")}

	s := New(testRouterConfig(), routes, &fakeForwarded{}, &fakeAgents{}, ret, &fakeEvaluator{}, &fakeTx{}, zap.NewNop())
	_, err := s.Investigate(context.Background(), route.ID, false)
	require.Error(t, err)
	assert.Equal(t, []models.ProcessStatus{models.StatusInProgress, models.StatusFailed}, routes.transitions)
}

func TestInvestigateLostCompletionRace(t *testing.T) {
	route := pendingRoute()
	routes := &fakeRoutes{
		route: route,
		transitionErr: map[models.ProcessStatus]error{
			// The watchdog timed the route out mid-flight.
			models.StatusCompleted: errs.OperationNotAllowed("route cannot move from timeout to completed"),
		},
	}

	s := New(testRouterConfig(), routes, &fakeForwarded{}, &fakeAgents{}, &fakeRetriever{}, &fakeEvaluator{}, &fakeTx{}, zap.NewNop())
	got, err := s.Investigate(context.Background(), route.ID, false)
	require.NoError(t, err)
	// No FAILED overwrite of the watchdog's terminal status.
	assert.NotContains(t, routes.transitions, models.StatusFailed)
	assert.Equal(t, models.StatusInProgress, got.Status)
}

func TestFetchReturnsRouteWithPredictions(t *testing.T) {
	route := pendingRoute()
	routes := &fakeRoutes{route: route}
	forwarded := &fakeForwarded{added: []models.Forwarded{{ID: uuid.New()}}}

	s := New(testRouterConfig(), routes, forwarded, &fakeAgents{}, &fakeRetriever{}, &fakeEvaluator{}, &fakeTx{}, zap.NewNop())
	got, preds, err := s.Fetch(context.Background(), route.ID)
	require.NoError(t, err)
	assert.Equal(t, route.ID, got.ID)
	assert.Len(t, preds, 1)
}
