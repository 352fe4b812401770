package embeddings

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingProvider struct {
	calls int32
	delay time.Duration
	vec   []float32
}

func (p *countingProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.vec, nil
}

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })
	return cli
}

func TestEmbedCachesResult(t *testing.T) {
	cli := newTestRedis(t)
	provider := &countingProvider{vec: []float32{1, 2, 3}}
	svc := NewService(provider, NewRedisCache(cli, zap.NewNop()), time.Minute, 16, zap.NewNop())

	ctx := context.Background()
	v1, err := svc.Embed(ctx, "some text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v1)

	v2, err := svc.Embed(ctx, "some text")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.calls))
}

func TestEmbedRedisTierSurvivesLRUEviction(t *testing.T) {
	cli := newTestRedis(t)
	provider := &countingProvider{vec: []float32{0.5}}
	svc := NewService(provider, NewRedisCache(cli, zap.NewNop()), time.Minute, 16, zap.NewNop())

	ctx := context.Background()
	_, err := svc.Embed(ctx, "evicted text")
	require.NoError(t, err)

	// A fresh service has an empty LRU but shares the Redis tier.
	svc2 := NewService(&countingProvider{vec: []float32{9}}, NewRedisCache(cli, zap.NewNop()), time.Minute, 16, zap.NewNop())
	v, err := svc2.Embed(ctx, "evicted text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.calls))
}

func TestEmbedCoalescesConcurrentMisses(t *testing.T) {
	cli := newTestRedis(t)
	provider := &countingProvider{vec: []float32{1}, delay: 50 * time.Millisecond}
	svc := NewService(provider, NewRedisCache(cli, zap.NewNop()), time.Minute, 16, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := svc.Embed(context.Background(), "same text")
			assert.NoError(t, err)
			assert.Equal(t, []float32{1}, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.calls))
}

func TestEmbedFailsOpenOnBrokenCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	provider := &countingProvider{vec: []float32{7}}
	svc := NewService(provider, NewRedisCache(cli, zap.NewNop()), time.Minute, 16, zap.NewNop())

	v, err := svc.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, v)
}

func TestLocalLRUEvictsOldest(t *testing.T) {
	lru := NewLocalLRU(2)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, time.Minute)
	lru.Set(ctx, "b", []float32{2}, time.Minute)
	// Touch "a" so "b" is the eviction victim.
	_, ok := lru.Get(ctx, "a")
	require.True(t, ok)
	lru.Set(ctx, "c", []float32{3}, time.Minute)

	_, ok = lru.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = lru.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = lru.Get(ctx, "c")
	assert.True(t, ok)
}

func TestLocalLRUExpiry(t *testing.T) {
	lru := NewLocalLRU(4)
	ctx := context.Background()

	lru.Set(ctx, "k", []float32{1}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := lru.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMakeKeyIsStable(t *testing.T) {
	assert.Equal(t, MakeKey("hello"), MakeKey("hello"))
	assert.NotEqual(t, MakeKey("hello"), MakeKey("hello "))
	assert.Contains(t, MakeKey("hello"), "embedding:v1:")
}

func TestRedisCacheRoundTrip(t *testing.T) {
	cli := newTestRedis(t)
	cache := NewRedisCache(cli, zap.NewNop())
	ctx := context.Background()

	vec := []float32{0.25, -1.5, 3.75}
	cache.Set(ctx, MakeKey("t"), vec, time.Minute)
	got, ok := cache.Get(ctx, MakeKey("t"))
	require.True(t, ok)
	assert.Equal(t, vec, got)
}
