package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// RedisConfig holds cache and work-queue connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EmbeddingsConfig holds the embedding provider endpoint and cache policy.
type EmbeddingsConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	MaxLRU   int           `mapstructure:"max_lru"`
}

// RouterConfig holds the investigation pipeline knobs.
type RouterConfig struct {
	RetrieverLimit               int           `mapstructure:"retriever_limit"`
	RetrieverSoftLimitMultiplier float64       `mapstructure:"retriever_soft_limit_multiplier"`
	RetrieverScoreThreshold      *float64      `mapstructure:"retriever_score_threshold"`
	RetrieverDistanceMetric      string        `mapstructure:"retriever_distance_metric"`
	RetrieverAggregationMethod   string        `mapstructure:"retriever_aggregation_method"`
	InvestigationTimeout         time.Duration `mapstructure:"investigation_timeout"`
	InvestigationParallelism     int           `mapstructure:"investigation_parallelism"`
	CandidateScoreThreshold      float64       `mapstructure:"candidate_score_threshold"`
	SecondPassDampening          float64       `mapstructure:"second_pass_dampening"`
	TopKMeanK                    int           `mapstructure:"top_k_mean_k"`
}

// DocumentsConfig holds admission-side backpressure settings.
type DocumentsConfig struct {
	LoadingParallelism int `mapstructure:"loading_parallelism"`
}

// WatchdogConfig holds the stale-route sweep settings.
type WatchdogConfig struct {
	Period time.Duration `mapstructure:"period"`
}

// ObservabilityConfig holds metrics and logging settings.
type ObservabilityConfig struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

// Config is the full engine configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Embeddings    EmbeddingsConfig    `mapstructure:"embeddings"`
	Router        RouterConfig        `mapstructure:"router"`
	Documents     DocumentsConfig     `mapstructure:"documents"`
	Watchdog      WatchdogConfig      `mapstructure:"watchdog"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "courier")
	v.SetDefault("database.database", "courier")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("embeddings.base_url", "http://localhost:8000")
	v.SetDefault("embeddings.timeout", 5*time.Second)
	v.SetDefault("embeddings.cache_ttl", 900*time.Second)
	v.SetDefault("embeddings.max_lru", 2048)

	v.SetDefault("router.retriever_limit", 20)
	v.SetDefault("router.retriever_soft_limit_multiplier", 5.0)
	v.SetDefault("router.retriever_distance_metric", "cosine")
	v.SetDefault("router.retriever_aggregation_method", "max")
	v.SetDefault("router.investigation_timeout", 300*time.Second)
	v.SetDefault("router.investigation_parallelism", 4)
	v.SetDefault("router.candidate_score_threshold", 0.6)
	v.SetDefault("router.second_pass_dampening", 0.55)
	v.SetDefault("router.top_k_mean_k", 3)

	v.SetDefault("documents.loading_parallelism", 2)

	v.SetDefault("watchdog.period", 60*time.Second)

	v.SetDefault("observability.metrics_port", 2112)
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
}

// Load reads configuration from CONFIG_PATH (optional) merged with
// COURIER_-prefixed environment variables over the defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects out-of-range or unknown option values.
func (c *Config) Validate() error {
	switch c.Router.RetrieverDistanceMetric {
	case "cosine", "l2", "inner":
	default:
		return fmt.Errorf("config: unknown distance metric %q", c.Router.RetrieverDistanceMetric)
	}
	switch c.Router.RetrieverAggregationMethod {
	case "mean", "max", "top_k_mean":
	default:
		return fmt.Errorf("config: unknown aggregation method %q", c.Router.RetrieverAggregationMethod)
	}
	if c.Router.RetrieverLimit < 1 {
		return fmt.Errorf("config: retriever_limit must be >= 1, got %d", c.Router.RetrieverLimit)
	}
	if c.Router.RetrieverSoftLimitMultiplier < 1 {
		return fmt.Errorf("config: retriever_soft_limit_multiplier must be >= 1, got %g", c.Router.RetrieverSoftLimitMultiplier)
	}
	if c.Router.InvestigationParallelism < 1 {
		return fmt.Errorf("config: investigation_parallelism must be >= 1, got %d", c.Router.InvestigationParallelism)
	}
	if t := c.Router.CandidateScoreThreshold; t < 0 || t >= 1 {
		return fmt.Errorf("config: candidate_score_threshold must be in [0,1), got %g", t)
	}
	if c.Router.InvestigationTimeout <= 5*time.Second {
		return fmt.Errorf("config: investigation_timeout must exceed 5s, got %s", c.Router.InvestigationTimeout)
	}
	if c.Documents.LoadingParallelism < 1 {
		return fmt.Errorf("config: loading_parallelism must be >= 1, got %d", c.Documents.LoadingParallelism)
	}
	return nil
}
