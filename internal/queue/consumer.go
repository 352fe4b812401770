package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/errs"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/models"
)

// ConsumerGroup is the stream consumer group all engine instances share.
const ConsumerGroup = "investigators"

const (
	maxAttempts    = 3
	backoffBase    = time.Second
	backoffCap     = 30 * time.Second
	readBlock      = 5 * time.Second
	readBatchCount = 16
)

// Investigator runs one investigation.
type Investigator interface {
	Investigate(ctx context.Context, id uuid.UUID, allowRecovery bool) (models.Route, error)
}

// ConsumerConfig tunes the work-queue consumer.
type ConsumerConfig struct {
	// Name identifies this consumer within the group; must be unique per
	// process.
	Name string
	// Parallelism caps concurrent investigations across the process.
	Parallelism int
	// InvestigationTimeout bounds a single investigation.
	InvestigationTimeout time.Duration
}

// Consumer pulls investigation messages from the work stream, runs them under
// a bounded semaphore, and handles retry and dead-letter policy.
type Consumer struct {
	cli          redis.UniversalClient
	cfg          ConsumerConfig
	investigator Investigator
	publisher    *Publisher
	logger       *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

func NewConsumer(cli redis.UniversalClient, cfg ConsumerConfig, inv Investigator, pub *Publisher, logger *zap.Logger) *Consumer {
	if cfg.Name == "" {
		cfg.Name = "investigator-" + uuid.NewString()[:8]
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.InvestigationTimeout == 0 {
		cfg.InvestigationTimeout = 5 * time.Minute
	}
	return &Consumer{
		cli:          cli,
		cfg:          cfg,
		investigator: inv,
		publisher:    pub,
		logger:       logger,
		sem:          make(chan struct{}, cfg.Parallelism),
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight
// investigations to finish.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("Investigation consumer started",
		zap.String("consumer", c.cfg.Name),
		zap.Int("parallelism", c.cfg.Parallelism),
	)

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			c.logger.Info("Investigation consumer stopped", zap.String("consumer", c.cfg.Name))
			return ctx.Err()
		default:
		}

		streams, err := c.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: c.cfg.Name,
			Streams:  []string{StreamInvestigations, ">"},
			Count:    readBatchCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.logger.Warn("Work stream read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				select {
				case c.sem <- struct{}{}:
				case <-ctx.Done():
					c.wg.Wait()
					return ctx.Err()
				}
				c.wg.Add(1)
				go func(msg redis.XMessage) {
					defer c.wg.Done()
					defer func() { <-c.sem }()
					c.handle(ctx, msg)
				}(msg)
			}
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.cli.XGroupCreateMkStream(ctx, StreamInvestigations, ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	body, _ := msg.Values[fieldBody].(string)
	requestID, _ := msg.Values[fieldRequestID].(string)
	attempt := 1
	if raw, ok := msg.Values[fieldAttempt].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			attempt = n
		}
	}

	var im InvestigationMessage
	if err := json.Unmarshal([]byte(body), &im); err != nil {
		c.logger.Error("Malformed investigation message",
			zap.String("message_id", msg.ID),
			zap.String("x_request_id", requestID),
			zap.Error(err),
		)
		c.deadLetter(ctx, msg, []byte(body), requestID, attempt)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.InvestigationTimeout)
	defer cancel()

	route, err := c.investigator.Investigate(runCtx, im.RouteID, im.AllowRecovery)
	if err == nil {
		c.ack(ctx, msg)
		metrics.QueueMessagesConsumed.WithLabelValues("ok").Inc()
		if pubErr := c.publisher.PublishCompletion(ctx, route, requestID); pubErr != nil {
			c.logger.Warn("Completion announcement failed",
				zap.String("route_id", route.ID.String()),
				zap.Error(pubErr),
			)
		}
		return
	}

	switch kind := errs.Classify(err); kind {
	case errs.KindOperationNotAllowed:
		// Another investigator owns or already concluded this route.
		c.logger.Info("Route already claimed",
			zap.String("route_id", im.RouteID.String()),
			zap.Error(err),
		)
		c.ack(ctx, msg)
		metrics.QueueMessagesConsumed.WithLabelValues("skipped").Inc()

	case errs.KindTransient:
		if attempt >= maxAttempts {
			c.logger.Error("Investigation exhausted retries",
				zap.String("route_id", im.RouteID.String()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			c.deadLetter(ctx, msg, []byte(body), requestID, attempt)
			return
		}
		c.requeue(ctx, msg, im, requestID, attempt)

	default:
		c.logger.Error("Investigation failed permanently",
			zap.String("route_id", im.RouteID.String()),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
		c.deadLetter(ctx, msg, []byte(body), requestID, attempt)
	}
}

// requeue republishes the message with the next attempt counter after an
// exponential backoff. The retry always allows recovery so a route that was
// marked failed by the losing attempt can restart.
func (c *Consumer) requeue(ctx context.Context, msg redis.XMessage, im InvestigationMessage, requestID string, attempt int) {
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap {
		delay = backoffCap
	}
	c.logger.Warn("Retrying investigation",
		zap.String("route_id", im.RouteID.String()),
		zap.Int("attempt", attempt+1),
		zap.Duration("backoff", delay),
	)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}

	im.AllowRecovery = true
	if err := c.publisher.PublishInvestigation(ctx, im, requestID, attempt+1); err != nil {
		c.logger.Error("Requeue failed, message stays pending",
			zap.String("route_id", im.RouteID.String()),
			zap.Error(err),
		)
		return
	}
	c.ack(ctx, msg)
	metrics.QueueRetries.Inc()
	metrics.QueueMessagesConsumed.WithLabelValues("retried").Inc()
}

func (c *Consumer) deadLetter(ctx context.Context, msg redis.XMessage, body []byte, requestID string, attempt int) {
	if err := c.publisher.PublishDeadLetter(ctx, body, requestID, attempt); err != nil {
		c.logger.Error("Dead-letter publish failed, message stays pending",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return
	}
	c.ack(ctx, msg)
	metrics.QueueDeadLetters.Inc()
	metrics.QueueMessagesConsumed.WithLabelValues("dead_letter").Inc()
}

func (c *Consumer) ack(ctx context.Context, msg redis.XMessage) {
	if err := c.cli.XAck(ctx, StreamInvestigations, ConsumerGroup, msg.ID).Err(); err != nil {
		c.logger.Warn("Ack failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	c.cli.XDel(ctx, StreamInvestigations, msg.ID)
}
