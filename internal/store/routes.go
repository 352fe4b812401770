package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/errs"
	"github.com/courierhq/courier/internal/models"
)

// allowedSources maps a target status to the statuses a route may transition
// from. Recovery transitions (failed/timeout back to pending) are only reached
// through TransitionWithRecovery.
var allowedSources = map[models.ProcessStatus][]models.ProcessStatus{
	models.StatusInProgress: {models.StatusPending},
	models.StatusCompleted:  {models.StatusInProgress},
	models.StatusFailed:     {models.StatusInProgress},
	models.StatusTimeout:    {models.StatusInProgress},
	models.StatusCancelled:  {models.StatusPending, models.StatusInProgress},
	models.StatusPending:    {models.StatusFailed, models.StatusTimeout},
}

// RouteStore owns route persistence and the lifecycle state machine.
type RouteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewRouteStore(db *sqlx.DB, logger *zap.Logger) *RouteStore {
	return &RouteStore{db: db, logger: logger}
}

const routeColumns = "id, document_id, sender_id, status, started_at, completed_at, created_at"

// Create inserts a new pending route.
func (s *RouteStore) Create(ctx context.Context, documentID uuid.UUID, senderID *uuid.UUID) (models.Route, error) {
	var route models.Route
	err := s.db.GetContext(ctx, &route, `
		INSERT INTO routes (id, document_id, sender_id, status, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING `+routeColumns,
		uuid.New(), documentID, senderID, models.StatusPending)
	if err != nil {
		return models.Route{}, fmt.Errorf("create route: %w", err)
	}
	return route, nil
}

// Get returns the route or NotFound.
func (s *RouteStore) Get(ctx context.Context, id uuid.UUID) (models.Route, error) {
	var route models.Route
	err := s.db.GetContext(ctx, &route, `SELECT `+routeColumns+` FROM routes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Route{}, errs.NotFound("route %s not found", id)
	}
	if err != nil {
		return models.Route{}, fmt.Errorf("get route %s: %w", id, err)
	}
	return route, nil
}

// Transition atomically moves the route to the target status with a status
// precondition, so two concurrent investigators cannot both win the same edge.
// Returns OperationNotAllowed when the route is not in an allowed source
// status, NotFound when it does not exist.
func (s *RouteStore) Transition(ctx context.Context, id uuid.UUID, to models.ProcessStatus) (models.Route, error) {
	return s.TransitionExec(ctx, s.db, id, to)
}

// TransitionExec is Transition running on the given executor, allowing the
// caller to place the update inside a wider transaction.
func (s *RouteStore) TransitionExec(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, to models.ProcessStatus) (models.Route, error) {
	sources, ok := allowedSources[to]
	if !ok {
		return models.Route{}, errs.OperationNotAllowed("no transition leads to status %q", to)
	}

	var set string
	switch {
	case to == models.StatusInProgress:
		set = "status = $2, started_at = now(), completed_at = NULL"
	case to == models.StatusPending:
		// Recovery: both timestamps reset.
		set = "status = $2, started_at = NULL, completed_at = NULL"
	case to.Terminal():
		set = "status = $2, completed_at = now()"
	default:
		set = "status = $2"
	}

	from := make([]string, len(sources))
	for i, st := range sources {
		from[i] = string(st)
	}

	var route models.Route
	err := sqlx.GetContext(ctx, q, &route, `
		UPDATE routes SET `+set+`
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+routeColumns,
		id, to, pq.Array(from))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.getExec(ctx, q, id)
		if getErr != nil {
			return models.Route{}, getErr
		}
		return models.Route{}, errs.OperationNotAllowed(
			"route %s cannot move from %q to %q", id, current.Status, to)
	}
	if err != nil {
		return models.Route{}, fmt.Errorf("transition route %s to %q: %w", id, to, err)
	}

	s.logger.Debug("Route transitioned",
		zap.String("route_id", id.String()),
		zap.String("status", string(to)),
	)
	return route, nil
}

func (s *RouteStore) getExec(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) (models.Route, error) {
	var route models.Route
	err := sqlx.GetContext(ctx, q, &route, `SELECT `+routeColumns+` FROM routes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Route{}, errs.NotFound("route %s not found", id)
	}
	if err != nil {
		return models.Route{}, fmt.Errorf("get route %s: %w", id, err)
	}
	return route, nil
}

// StaleIDs lists in-progress routes whose investigation started more than
// timeout ago.
func (s *RouteStore) StaleIDs(ctx context.Context, timeout time.Duration) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM routes
		WHERE status = $1 AND started_at < now() - $2::interval`,
		models.StatusInProgress, fmt.Sprintf("%d seconds", int(timeout.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("list stale routes: %w", err)
	}
	return ids, nil
}

// PendingRoutes lists routes awaiting investigation, oldest first.
func (s *RouteStore) PendingRoutes(ctx context.Context) ([]models.Route, error) {
	var routes []models.Route
	err := s.db.SelectContext(ctx, &routes, `
		SELECT `+routeColumns+` FROM routes
		WHERE status = $1
		ORDER BY created_at ASC`,
		models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending routes: %w", err)
	}
	return routes, nil
}

// RouteSearch is a paged route query.
type RouteSearch struct {
	Page          int
	PageSize      int
	DocumentID    *uuid.UUID
	SenderID      *uuid.UUID
	Status        *models.ProcessStatus
	StartedFrom   *time.Time
	StartedTo     *time.Time
	CompletedFrom *time.Time
	CompletedTo   *time.Time
}

// Search returns a page of routes matching the filters plus the total count.
func (s *RouteStore) Search(ctx context.Context, q RouteSearch) ([]models.Route, int, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 50
	}

	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.DocumentID != nil {
		add("document_id = $%d", *q.DocumentID)
	}
	if q.SenderID != nil {
		add("sender_id = $%d", *q.SenderID)
	}
	if q.Status != nil {
		add("status = $%d", *q.Status)
	}
	if q.StartedFrom != nil {
		add("started_at >= $%d", *q.StartedFrom)
	}
	if q.StartedTo != nil {
		add("started_at <= $%d", *q.StartedTo)
	}
	if q.CompletedFrom != nil {
		add("completed_at >= $%d", *q.CompletedFrom)
	}
	if q.CompletedTo != nil {
		add("completed_at <= $%d", *q.CompletedTo)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM routes `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count routes: %w", err)
	}

	args = append(args, q.PageSize, (q.Page-1)*q.PageSize)
	var routes []models.Route
	err := s.db.SelectContext(ctx, &routes, fmt.Sprintf(`
		SELECT %s FROM routes %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, routeColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search routes: %w", err)
	}
	return routes, total, nil
}
