package watchdog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/errs"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/models"
	"github.com/courierhq/courier/internal/queue"
)

// RouteSweeper is the route store surface the watchdog needs.
type RouteSweeper interface {
	StaleIDs(ctx context.Context, timeout time.Duration) ([]uuid.UUID, error)
	PendingRoutes(ctx context.Context) ([]models.Route, error)
	Transition(ctx context.Context, id uuid.UUID, to models.ProcessStatus) (models.Route, error)
}

// Publisher re-enqueues routes the consumer never picked up.
type Publisher interface {
	PublishInvestigation(ctx context.Context, msg queue.InvestigationMessage, requestID string, attempt int) error
}

// Watchdog periodically times out stuck investigations and re-pumps pending
// routes that lost their queue message.
type Watchdog struct {
	routes    RouteSweeper
	publisher Publisher
	period    time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

func New(routes RouteSweeper, publisher Publisher, period, timeout time.Duration, logger *zap.Logger) *Watchdog {
	if period == 0 {
		period = time.Minute
	}
	return &Watchdog{
		routes:    routes,
		publisher: publisher,
		period:    period,
		timeout:   timeout,
		logger:    logger,
	}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	w.logger.Info("Watchdog started",
		zap.Duration("period", w.period),
		zap.Duration("investigation_timeout", w.timeout),
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watchdog stopped")
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one watchdog tick.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.sweepStale(ctx)
	w.republishPending(ctx)
}

// sweepStale moves overdue in-progress routes to timeout. The transition is
// the same atomic status update the investigator uses, so a route that
// concludes between the select and the update is left alone.
func (w *Watchdog) sweepStale(ctx context.Context) {
	ids, err := w.routes.StaleIDs(ctx, w.timeout)
	if err != nil {
		w.logger.Error("Stale sweep query failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if _, err := w.routes.Transition(ctx, id, models.StatusTimeout); err != nil {
			if errs.Is(err, errs.KindOperationNotAllowed) {
				continue
			}
			w.logger.Error("Stale route timeout failed",
				zap.String("route_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.WatchdogTimeouts.Inc()
		w.logger.Warn("Route timed out", zap.String("route_id", id.String()))
	}
}

// republishPending re-enqueues pending routes so a lost queue message cannot
// strand a route forever. The investigator's claim transition makes duplicate
// messages harmless.
func (w *Watchdog) republishPending(ctx context.Context) {
	routes, err := w.routes.PendingRoutes(ctx)
	if err != nil {
		w.logger.Error("Pending sweep query failed", zap.Error(err))
		return
	}
	for _, route := range routes {
		// Freshly created routes usually have a message in flight already.
		if time.Since(route.CreatedAt) < w.period {
			continue
		}
		msg := queue.InvestigationMessage{RouteID: route.ID}
		if err := w.publisher.PublishInvestigation(ctx, msg, "", 1); err != nil {
			w.logger.Error("Pending route republish failed",
				zap.String("route_id", route.ID.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.WatchdogPendingRepublished.Inc()
	}
}
