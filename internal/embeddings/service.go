package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/errs"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/models"
)

// Provider turns text into a vector of dimension models.EmbeddingDim.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPProvider calls the embedding service over HTTP JSON.
type HTTPProvider struct {
	baseURL string
	model   string
	http    *http.Client
}

func NewHTTPProvider(cfg config.EmbeddingsConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		http:    &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
}

func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/embeddings/", p.baseURL)
	buf, _ := json.Marshal(embedRequest{Texts: []string{text}, Model: p.model})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		metrics.EmbeddingProviderDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, errs.Wrap(errs.KindTransient, err, "embedding provider request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.EmbeddingProviderDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errs.Wrap(errs.KindTransient,
			fmt.Errorf("embedding provider returned %d: %s", resp.StatusCode, body), "embedding provider")
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.EmbeddingProviderDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Embeddings) == 0 {
		return nil, errs.Fatal("embedding provider returned no vectors")
	}
	if got := len(er.Embeddings[0]); got != models.EmbeddingDim {
		return nil, errs.Fatal("embedding dimension mismatch: got %d, want %d", got, models.EmbeddingDim)
	}

	out := make([]float32, len(er.Embeddings[0]))
	for i, f := range er.Embeddings[0] {
		out[i] = float32(f)
	}
	metrics.EmbeddingProviderDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	return out, nil
}

// Service memoizes provider output through a two-tier cache. Concurrent misses
// for the same text coalesce into one provider call; cache failures fall open
// to the provider.
type Service struct {
	provider Provider
	cache    Cache
	lru      *LocalLRU
	ttl      time.Duration
	sf       singleflight.Group
	logger   *zap.Logger
}

const lruTTL = 30 * time.Minute

func NewService(provider Provider, cache Cache, cacheTTL time.Duration, maxLRU int, logger *zap.Logger) *Service {
	if cacheTTL == 0 {
		cacheTTL = time.Hour
	}
	return &Service{
		provider: provider,
		cache:    cache,
		lru:      NewLocalLRU(maxLRU),
		ttl:      cacheTTL,
		logger:   logger,
	}
}

// Embed returns the vector for text, from cache when possible.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := MakeKey(text)

	if v, ok := tieredGet(ctx, s.lru, s.cache, key, lruTTL); ok {
		return v, nil
	}
	metrics.EmbeddingCacheMisses.Inc()

	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		// A concurrent winner may have populated the cache while we waited.
		if v, ok := tieredGet(ctx, s.lru, s.cache, key, lruTTL); ok {
			return v, nil
		}
		vec, err := s.provider.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		s.lru.Set(ctx, key, vec, lruTTL)
		if s.cache != nil {
			s.cache.Set(ctx, key, vec, s.ttl)
		}
		return vec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	return v.([]float32), nil
}
