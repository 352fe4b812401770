package embeddings

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/metrics"
)

// Cache stores vectors by content fingerprint with a bounded TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// LocalLRU is a simple in-process LRU with TTL.
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key string
	vec []float32
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(time.Now()) {
			l.list.MoveToFront(el)
			return ent.vec, true
		}
		// expired: remove
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		el.Value = lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)}
		l.list.MoveToFront(el)
		return
	}
	el := l.list.PushFront(lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)})
	l.m[key] = el
	if l.list.Len() > l.cap {
		lru := l.list.Back()
		if lru != nil {
			ent := lru.Value.(lruEntry)
			delete(l.m, ent.key)
			l.list.Remove(lru)
		}
	}
}

// RedisCache keeps vectors in Redis as little-endian float32 blobs. Failures
// are non-fatal: a broken cache reads as a miss and writes are dropped, so the
// pipeline falls through to the provider.
type RedisCache struct {
	cli    redis.UniversalClient
	logger *zap.Logger
}

func NewRedisCache(cli redis.UniversalClient, logger *zap.Logger) *RedisCache {
	return &RedisCache{cli: cli, logger: logger}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("Embedding cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := 0; i < len(out); i++ {
		u := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(u)
	}
	return out, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		u := math.Float32bits(f)
		binary.LittleEndian.PutUint32(b[i*4:], u)
	}
	if err := r.cli.Set(ctx, key, b, ttl).Err(); err != nil {
		r.logger.Warn("Embedding cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// MakeKey fingerprints the exact text. The versioned prefix lets the blob
// encoding change without poisoning old entries.
func MakeKey(text string) string {
	h := sha256.Sum256([]byte(text))
	return "embedding:v1:" + hex.EncodeToString(h[:])
}

// tieredGet checks the LRU first, then Redis, promoting Redis hits.
func tieredGet(ctx context.Context, lru *LocalLRU, cache Cache, key string, lruTTL time.Duration) ([]float32, bool) {
	if v, ok := lru.Get(ctx, key); ok {
		metrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
		return v, true
	}
	if cache != nil {
		if v, ok := cache.Get(ctx, key); ok {
			lru.Set(ctx, key, v, lruTTL)
			metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
			return v, true
		}
	}
	return nil, false
}
