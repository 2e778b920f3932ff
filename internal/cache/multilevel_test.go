package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/querycache/pkg/types"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestCache(t *testing.T, capacity int, opts ...Option) *MultiLevelCache {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	cfg.Prefetch.Strategy = PrefetchNone
	c, err := NewMultiLevelCache(&cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewMultiLevelCache_InvalidCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 0
	_, err := NewMultiLevelCache(&cfg)
	assert.Error(t, err)
}

func TestMultiLevelCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 4)

	_, ok := c.Get(ctx, "missing", "u1")
	assert.False(t, ok)

	c.Set(ctx, "a", []byte("1"), 0)
	v, ok := c.Get(ctx, "a", "u1")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.L1Hits)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(len("a")+len("1")+entryOverhead), stats.Size)

	assert.Equal(t, []string{"a"}, c.Prefetcher().History("u1"))
}

func TestMultiLevelCache_HitAccounting(t *testing.T) {
	tests := []struct {
		name   string
		stored []string
		gets   []string
		hits   uint64
	}{
		{
			name:   "repeats over a small key set",
			stored: []string{"a", "b"},
			gets:   []string{"a", "a", "b", "a", "b", "b"},
			hits:   6,
		},
		{
			name:   "misses mixed with repeats",
			stored: []string{"a", "b", "c"},
			gets:   []string{"a", "x", "b", "a", "y", "x", "c", "a", "z", "b"},
			hits:   6,
		},
		{
			name:   "only misses",
			stored: nil,
			gets:   []string{"a", "b", "a"},
			hits:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := newTestCache(t, 16)
			for _, key := range tt.stored {
				c.Set(ctx, key, []byte("v-"+key), 0)
			}
			for _, key := range tt.gets {
				c.Get(ctx, key, "u1")
			}

			stats := c.GetStats()
			assert.Equal(t, tt.hits, stats.Hits)
			assert.Equal(t, uint64(len(tt.gets)), stats.Hits+stats.Misses)
			assert.InDelta(t, float64(stats.Hits)/float64(stats.Hits+stats.Misses), stats.HitRate, 1e-9)
		})
	}
}

func TestMultiLevelCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newTestCache(t, 4, WithClock(clock.Now))

	c.Set(ctx, "short", []byte("x"), time.Minute)
	c.Set(ctx, "forever", []byte("y"), -1)

	clock.Advance(30 * time.Second)
	assert.True(t, c.Exists("short"))

	clock.Advance(time.Minute)
	assert.False(t, c.Exists("short"))
	_, ok := c.Get(ctx, "short", "")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "forever", "")
	assert.True(t, ok)

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.Expirations)
	assert.Equal(t, 1, stats.Entries)
}

func TestMultiLevelCache_DefaultTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	cfg := DefaultConfig()
	cfg.Capacity = 4
	cfg.DefaultTTL = time.Second
	cfg.Prefetch.Strategy = PrefetchNone
	c, err := NewMultiLevelCache(&cfg, WithClock(clock.Now))
	require.NoError(t, err)
	defer c.Close()

	c.Set(ctx, "a", []byte("1"), 0)
	clock.Advance(2 * time.Second)
	_, ok := c.Get(ctx, "a", "")
	assert.False(t, ok)
}

func TestMultiLevelCache_DemoteAndPromote(t *testing.T) {
	ctx := context.Background()
	l2, err := NewMemoryTier(16)
	require.NoError(t, err)
	c := newTestCache(t, 2, WithL2(l2))

	c.Set(ctx, "A", []byte("a"), 0)
	c.Set(ctx, "B", []byte("b"), 0)
	c.Set(ctx, "C", []byte("c"), 0) // evicts A into L2

	assert.Equal(t, 1, l2.Len())
	assert.True(t, c.Exists("A"))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, c.Keys())

	v, ok := c.Get(ctx, "A", "")
	require.True(t, ok)
	assert.Equal(t, []byte("a"), v)

	// promoting A pushed B down, L2 stays exclusive
	_, inL2 := l2.entries.Peek("A")
	assert.False(t, inL2)
	_, inL2 = l2.entries.Peek("B")
	assert.True(t, inL2)

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.L2Hits)
	assert.Equal(t, uint64(2), stats.Demotions)
	assert.Equal(t, uint64(2), stats.Evictions)
	assert.Equal(t, 3, stats.Entries)
}

// gatedTier holds every Set until release is closed
type gatedTier struct {
	*MemoryTier
	entered chan string
	release chan struct{}
}

func newGatedTier(t *testing.T) *gatedTier {
	t.Helper()
	mem, err := NewMemoryTier(16)
	require.NoError(t, err)
	return &gatedTier{MemoryTier: mem, entered: make(chan string, 16), release: make(chan struct{})}
}

func (g *gatedTier) Set(ctx context.Context, entry *CacheEntry) error {
	g.entered <- entry.Key
	<-g.release
	return g.MemoryTier.Set(ctx, entry)
}

func TestMultiLevelCache_GetDuringDemotionKeepsIndex(t *testing.T) {
	ctx := context.Background()
	l2 := newGatedTier(t)
	c := newTestCache(t, 1, WithL2(l2))

	c.Set(ctx, "A", []byte("a"), 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Set(ctx, "B", []byte("b"), 0) // demotes A
	}()
	require.Equal(t, "A", <-l2.entered)

	_, ok := c.Get(ctx, "A", "")
	assert.False(t, ok, "the demoted value has not reached L2 yet")
	assert.True(t, c.Exists("A"))

	close(l2.release)
	<-done

	v, ok := c.Get(ctx, "A", "")
	require.True(t, ok)
	assert.Equal(t, []byte("a"), v)
	assert.ElementsMatch(t, []string{"A", "B"}, c.Keys())
}

func TestMultiLevelCache_InvalidateDuringDemotion(t *testing.T) {
	ctx := context.Background()
	l2 := newGatedTier(t)
	c := newTestCache(t, 1, WithL2(l2))

	c.Set(ctx, "A", []byte("a"), 0, "users")
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Set(ctx, "B", []byte("b"), 0)
	}()
	require.Equal(t, "A", <-l2.entered)

	assert.Equal(t, 1, c.InvalidateByTag(ctx, "users"))

	close(l2.release)
	<-done

	_, stored := l2.entries.Peek("A")
	assert.False(t, stored, "a demotion that lands after invalidation is removed")
	assert.Equal(t, []string{"B"}, c.Keys())

	c.mu.Lock()
	assert.Empty(t, c.demoting)
	c.mu.Unlock()
}

func TestMultiLevelCache_ExistsTrustsL2Index(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l2, err := NewMemoryTier(16)
	require.NoError(t, err)
	c := newTestCache(t, 1, WithL2(l2), WithClock(clock.Now))

	c.Set(ctx, "A", []byte("a"), time.Minute)
	c.Set(ctx, "B", []byte("b"), -1) // demotes A

	clock.Advance(2 * time.Minute)
	assert.True(t, c.Exists("A"), "expiry of L2 entries is only checked on Get")

	_, ok := c.Get(ctx, "A", "")
	assert.False(t, ok)
	assert.False(t, c.Exists("A"))
	assert.Equal(t, 0, l2.Len())
}

func TestMultiLevelCache_NoL2DropsEvicted(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 2)

	c.Set(ctx, "A", []byte("a"), 0)
	c.Set(ctx, "B", []byte("b"), 0)
	c.Set(ctx, "C", []byte("c"), 0)

	assert.False(t, c.Exists("A"))
	assert.Equal(t, uint64(0), c.GetStats().Demotions)
}

func TestMultiLevelCache_InvalidateByTag(t *testing.T) {
	ctx := context.Background()
	l2, err := NewMemoryTier(16)
	require.NoError(t, err)
	c := newTestCache(t, 2, WithL2(l2))

	c.Set(ctx, "u:1", []byte("1"), 0, "users")
	c.Set(ctx, "u:2", []byte("2"), 0, "users", "hot")
	c.Set(ctx, "o:1", []byte("3"), 0, "orders") // u:1 demoted with its tags

	removed := c.InvalidateByTag(ctx, "users")
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"o:1"}, c.Keys())
	assert.Equal(t, 0, l2.Len())

	assert.Equal(t, 0, c.InvalidateByTag(ctx))
	assert.Equal(t, 0, c.InvalidateByTag(ctx, "nothing"))
}

func TestMultiLevelCache_InvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 4)

	c.Set(ctx, "a", []byte("1"), 0)
	c.Set(ctx, "b", []byte("2"), 0)

	assert.True(t, c.Invalidate(ctx, "a"))
	assert.False(t, c.Invalidate(ctx, "a"))
	assert.False(t, c.Exists("a"))

	c.Clear(ctx)
	assert.Empty(t, c.Keys())
	assert.Equal(t, int64(0), c.GetStats().Size)
}

func TestMultiLevelCache_GetOrCompute(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 4)

	var calls atomic.Int32
	producer := types.CacheValueProducerFunc(func(_ context.Context, key string) ([]byte, error) {
		calls.Add(1)
		return []byte("computed-" + key), nil
	})

	v, err := c.GetOrCompute(ctx, "k", "u1", producer, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("computed-k"), v)

	v, err = c.GetOrCompute(ctx, "k", "u1", producer, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("computed-k"), v)
	assert.Equal(t, int32(1), calls.Load())

	boom := errors.New("backend down")
	_, err = c.GetOrCompute(ctx, "bad", "u1", types.CacheValueProducerFunc(func(context.Context, string) ([]byte, error) {
		return nil, boom
	}), 0)
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Exists("bad"))

	_, err = c.GetOrCompute(ctx, "none", "u1", nil, 0)
	assert.Error(t, err)
}

func TestMultiLevelCache_PrefetchFromProducer(t *testing.T) {
	ctx := context.Background()

	var computed atomic.Int32
	producer := types.CacheValueProducerFunc(func(_ context.Context, key string) ([]byte, error) {
		computed.Add(1)
		return []byte("p-" + key), nil
	})

	cfg := DefaultConfig()
	cfg.Capacity = 8
	cfg.Prefetch.Strategy = PrefetchSequential
	c, err := NewMultiLevelCache(&cfg, WithProducer(producer))
	require.NoError(t, err)
	defer c.Close()

	c.Set(ctx, "a", []byte("a"), 0)
	c.Set(ctx, "c", []byte("c"), 0)
	_, ok := c.Get(ctx, "a", "u1")
	require.True(t, ok)
	_, ok = c.Get(ctx, "c", "u1")
	require.True(t, ok)

	c.Invalidate(ctx, "c")
	_, ok = c.Get(ctx, "a", "u1") // a was followed by c
	require.True(t, ok)

	require.Eventually(t, func() bool { return c.Exists("c") }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, computed.Load(), int32(1))
	assert.GreaterOrEqual(t, c.GetStats().Prefetches, uint64(1))

	v, ok := c.Get(ctx, "c", "u1")
	require.True(t, ok)
	assert.Equal(t, []byte("p-c"), v)
	assert.Equal(t, uint64(1), c.GetStats().PrefetchHits)

	rate, ok := c.Prefetcher().SuccessRate("u1", "c")
	require.True(t, ok)
	assert.Greater(t, rate, 0.5)
}

func TestMultiLevelCache_SetReplacesPrefetchedValue(t *testing.T) {
	ctx := context.Background()
	producer := types.CacheValueProducerFunc(func(_ context.Context, key string) ([]byte, error) {
		return []byte("p-" + key), nil
	})

	cfg := DefaultConfig()
	cfg.Capacity = 8
	cfg.Prefetch.Strategy = PrefetchSequential
	c, err := NewMultiLevelCache(&cfg, WithProducer(producer))
	require.NoError(t, err)
	defer c.Close()

	for _, key := range []string{"a", "c"} {
		c.Set(ctx, key, []byte(key), 0)
		_, ok := c.Get(ctx, key, "u1")
		require.True(t, ok)
	}
	c.Invalidate(ctx, "c")
	c.Get(ctx, "a", "u1")
	require.Eventually(t, func() bool { return c.Exists("c") }, 2*time.Second, 10*time.Millisecond)

	c.Set(ctx, "c", []byte("fresh"), 0)
	v, ok := c.Get(ctx, "c", "u1")
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), v)
	assert.Equal(t, uint64(0), c.GetStats().PrefetchHits)

	rate, ok := c.Prefetcher().SuccessRate("u1", "c")
	require.True(t, ok)
	assert.Less(t, rate, 0.5, "an overwritten prefetch counts as unused")
}

func TestMultiLevelCache_PrefetchFromL2(t *testing.T) {
	ctx := context.Background()
	l2, err := NewMemoryTier(16)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Capacity = 2
	cfg.Prefetch.Strategy = PrefetchSequential
	c, err := NewMultiLevelCache(&cfg, WithL2(l2))
	require.NoError(t, err)
	defer c.Close()

	c.Set(ctx, "a", []byte("a"), 0)
	c.Set(ctx, "b", []byte("b"), 0)
	c.Set(ctx, "x", []byte("x"), 0)
	c.Set(ctx, "y", []byte("y"), 0) // a and b now live in L2

	c.Get(ctx, "a", "u1")
	c.Get(ctx, "b", "u1")
	c.Set(ctx, "x", []byte("x"), 0) // pushes a back to L2
	c.Get(ctx, "a", "u1")           // promotes a, demotes b; a was followed by b

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.l1.Contains("b")
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, c.GetStats().Prefetches, uint64(1))
}

func TestMultiLevelCache_CloseIdempotent(t *testing.T) {
	l2, err := NewMemoryTier(4)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Capacity = 2
	c, err := NewMultiLevelCache(&cfg, WithL2(l2))
	require.NoError(t, err)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestParseEvictionStrategy(t *testing.T) {
	s, err := ParseEvictionStrategy("ARC")
	require.NoError(t, err)
	assert.Equal(t, EvictionARC, s)

	_, err = ParseEvictionStrategy("lfu")
	assert.Error(t, err)
}
