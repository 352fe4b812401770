package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Checker reports whether one dependency is usable.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Pinger matches the db client's connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DBChecker probes the Postgres pool.
type DBChecker struct {
	db Pinger
}

func NewDBChecker(db Pinger) *DBChecker { return &DBChecker{db: db} }

func (c *DBChecker) Name() string { return "database" }

func (c *DBChecker) Check(ctx context.Context) error { return c.db.Ping(ctx) }

// RedisChecker probes the cache and work-queue connection.
type RedisChecker struct {
	cli redis.UniversalClient
}

func NewRedisChecker(cli redis.UniversalClient) *RedisChecker { return &RedisChecker{cli: cli} }

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) error { return c.cli.Ping(ctx).Err() }

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Handler serves a JSON health report. Any failing checker turns the response
// into 503.
func Handler(logger *zap.Logger, checkers ...Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]checkResult, len(checkers))
		for _, c := range checkers {
			if err := c.Check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[c.Name()] = checkResult{Status: "unhealthy", Error: err.Error()}
				logger.Warn("Health check failed", zap.String("checker", c.Name()), zap.Error(err))
				continue
			}
			results[c.Name()] = checkResult{Status: "healthy"}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(results)
	}
}
