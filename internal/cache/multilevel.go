package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/querycache/pkg/types"
)

// EvictionStrategy selects the L1 replacement policy
type EvictionStrategy int

const (
	EvictionARC EvictionStrategy = iota
)

// String returns the configuration tag of the strategy
func (s EvictionStrategy) String() string {
	switch s {
	case EvictionARC:
		return "arc"
	default:
		return "unknown"
	}
}

// ParseEvictionStrategy parses a configuration tag
func ParseEvictionStrategy(s string) (EvictionStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "arc":
		return EvictionARC, nil
	default:
		return EvictionARC, fmt.Errorf("unsupported eviction strategy: %s", s)
	}
}

// Config configures a MultiLevelCache
type Config struct {
	Capacity          int              `yaml:"capacity"`
	Eviction          EvictionStrategy `yaml:"-"`
	Prefetch          PrefetcherConfig `yaml:"prefetch"`
	PrefetchLimit     int              `yaml:"prefetch_limit"`
	PrefetchThreshold float64          `yaml:"prefetch_threshold"`
	PrefetchQueueSize int              `yaml:"prefetch_queue_size"`
	PrefetchWorkers   int              `yaml:"prefetch_workers"`
	PrefetchTimeout   time.Duration    `yaml:"prefetch_timeout"`
	DefaultTTL        time.Duration    `yaml:"default_ttl"`
}

// DefaultConfig returns the stock cache configuration
func DefaultConfig() Config {
	return Config{
		Capacity:          1000,
		Eviction:          EvictionARC,
		Prefetch:          DefaultPrefetcherConfig(),
		PrefetchLimit:     3,
		PrefetchThreshold: 0.3,
		PrefetchQueueSize: 64,
		PrefetchWorkers:   1,
		PrefetchTimeout:   5 * time.Second,
	}
}

// Option customizes a MultiLevelCache
type Option func(*MultiLevelCache)

// WithL2 attaches a slower tier below the ARC
func WithL2(tier Tier) Option {
	return func(c *MultiLevelCache) { c.l2 = tier }
}

// WithProducer sets the loader used to materialise predicted keys
func WithProducer(p types.CacheValueProducer) Option {
	return func(c *MultiLevelCache) { c.producer = p }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *MultiLevelCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides time.Now for expiry and access stamps
func WithClock(now func() time.Time) Option {
	return func(c *MultiLevelCache) { c.now = now }
}

type level int

const (
	levelL1 level = iota + 1
	levelL2
)

// tierOp is L2 work collected under the lock and applied after releasing it
type tierOp struct {
	key   string
	entry *CacheEntry // nil means delete
}

type prefetchJob struct {
	user string
	key  string
}

type cacheCounters struct {
	hits         uint64
	misses       uint64
	l1Hits       uint64
	l2Hits       uint64
	evictions    uint64
	demotions    uint64
	expirations  uint64
	prefetches   uint64
	prefetchHits uint64
}

// MultiLevelCache composes an ARC L1, an optional L2 tier and an access
// prefetcher. All public operations serialize on one mutex; L2 I/O runs
// outside it.
type MultiLevelCache struct {
	mu sync.Mutex

	config     Config
	l1         *ARCCache
	l2         Tier
	l2Index    map[string][]string // keys resident in L2 and their tags
	demoting   map[string]int      // demotions queued or being written to L2
	prefetcher *IntelligentPrefetcher
	producer   types.CacheValueProducer

	size       int64
	counters   cacheCounters
	pending    []tierOp
	prefetched map[string]string // key -> user it was prefetched for

	prefetchQueue chan prefetchJob
	baseCtx       context.Context
	cancel        context.CancelFunc
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once

	now    func() time.Time
	logger *zap.Logger
}

// NewMultiLevelCache creates a cache; nil config uses defaults
func NewMultiLevelCache(config *Config, opts ...Option) (*MultiLevelCache, error) {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	defaults := DefaultConfig()
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.PrefetchLimit <= 0 {
		cfg.PrefetchLimit = defaults.PrefetchLimit
	}
	if cfg.PrefetchThreshold <= 0 {
		cfg.PrefetchThreshold = defaults.PrefetchThreshold
	}
	if cfg.PrefetchQueueSize <= 0 {
		cfg.PrefetchQueueSize = defaults.PrefetchQueueSize
	}
	if cfg.PrefetchWorkers <= 0 {
		cfg.PrefetchWorkers = defaults.PrefetchWorkers
	}
	if cfg.PrefetchTimeout <= 0 {
		cfg.PrefetchTimeout = defaults.PrefetchTimeout
	}

	prefetcher, err := NewIntelligentPrefetcher(&cfg.Prefetch)
	if err != nil {
		return nil, err
	}

	c := &MultiLevelCache{
		config:        cfg,
		l1:            NewARCCache(cfg.Capacity),
		l2Index:       make(map[string][]string),
		demoting:      make(map[string]int),
		prefetcher:    prefetcher,
		prefetched:    make(map[string]string),
		prefetchQueue: make(chan prefetchJob, cfg.PrefetchQueueSize),
		stopCh:        make(chan struct{}),
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("cache")
	c.prefetcher.now = c.now
	c.l1.SetOnEvict(c.onL1Evict)
	c.baseCtx, c.cancel = context.WithCancel(context.Background())

	if cfg.Prefetch.Strategy != PrefetchNone {
		for i := 0; i < cfg.PrefetchWorkers; i++ {
			c.wg.Add(1)
			go c.prefetchWorker()
		}
	}

	return c, nil
}

// Prefetcher exposes the access predictor
func (c *MultiLevelCache) Prefetcher() *IntelligentPrefetcher {
	return c.prefetcher
}

// Get returns the value for key, checking L1 then L2. A hit records the
// access for user and schedules an asynchronous prefetch pass.
func (c *MultiLevelCache) Get(ctx context.Context, key, user string) ([]byte, bool) {
	c.mu.Lock()
	now := c.now()

	if entry, ok := c.lookupL1Locked(key, now); ok {
		value := c.hitLocked(entry, user, now, levelL1)
		ops := c.drainLocked()
		c.mu.Unlock()

		c.applyTierOps(ctx, ops)
		c.schedulePrefetch(user, key)
		return value, true
	}

	if _, inL2 := c.l2Index[key]; !inL2 || c.l2 == nil {
		c.counters.misses++
		ops := c.drainLocked()
		c.mu.Unlock()
		c.applyTierOps(ctx, ops)
		return nil, false
	}
	c.mu.Unlock()

	entry, found, err := c.l2.Get(ctx, key)
	if err != nil {
		c.logger.Warn("l2 get failed", zap.String("tier", c.l2.Name()), zap.String("key", key), zap.Error(err))
	}

	c.mu.Lock()
	now = c.now()

	// L1 may have been filled while the lock was released
	if l1Entry, ok := c.lookupL1Locked(key, now); ok {
		value := c.hitLocked(l1Entry, user, now, levelL1)
		ops := c.drainLocked()
		c.mu.Unlock()
		c.applyTierOps(ctx, ops)
		c.schedulePrefetch(user, key)
		return value, true
	}

	_, stillInL2 := c.l2Index[key]
	if !stillInL2 || err != nil || !found || entry.IsExpired(now) {
		// a pending demotion will overwrite whatever L2 returned
		if stillInL2 && err == nil && c.demoting[key] == 0 {
			delete(c.l2Index, key)
			if found {
				c.counters.expirations++
				c.pending = append(c.pending, tierOp{key: key})
			}
		}
		c.counters.misses++
		ops := c.drainLocked()
		c.mu.Unlock()
		c.applyTierOps(ctx, ops)
		return nil, false
	}

	c.promoteLocked(entry)
	value := c.hitLocked(entry, user, now, levelL2)
	ops := c.drainLocked()
	c.mu.Unlock()

	c.applyTierOps(ctx, ops)
	c.schedulePrefetch(user, key)
	return value, true
}

// Set stores value under key in L1. A zero ttl falls back to the configured
// default; a negative ttl disables expiry.
func (c *MultiLevelCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) {
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}

	c.mu.Lock()
	entry := NewCacheEntry(key, value, ttl, tags, c.now())
	c.forgetPrefetchLocked(key, false)
	c.setLocked(entry)
	ops := c.drainLocked()
	c.mu.Unlock()

	c.applyTierOps(ctx, ops)
}

// GetOrCompute returns the cached value or computes, stores and returns it.
// Producer errors are returned and nothing is cached.
func (c *MultiLevelCache) GetOrCompute(ctx context.Context, key, user string, producer types.CacheValueProducer, ttl time.Duration, tags ...string) ([]byte, error) {
	if value, ok := c.Get(ctx, key, user); ok {
		return value, nil
	}
	if producer == nil {
		producer = c.producer
	}
	if producer == nil {
		return nil, fmt.Errorf("cache miss for %q and no producer configured", key)
	}

	value, err := producer.Compute(ctx, key)
	if err != nil {
		return nil, err
	}
	c.Set(ctx, key, value, ttl, tags...)
	return value, nil
}

// Exists reports whether key is cached at any level. L1 entries are checked
// for expiry; L2 residency is taken from the index without a tier read, so an
// expired L2 entry still reports true until a Get drops it.
func (c *MultiLevelCache) Exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.l1.Peek(key); ok {
		return !e.IsExpired(c.now())
	}
	_, ok := c.l2Index[key]
	return ok
}

// Invalidate removes key from all levels
func (c *MultiLevelCache) Invalidate(ctx context.Context, key string) bool {
	c.mu.Lock()
	found := c.removeLocked(key)
	ops := c.drainLocked()
	c.mu.Unlock()

	c.applyTierOps(ctx, ops)
	return found
}

// InvalidateByTag removes every entry carrying any of tags and returns how many were removed
func (c *MultiLevelCache) InvalidateByTag(ctx context.Context, tags ...string) int {
	if len(tags) == 0 {
		return 0
	}

	c.mu.Lock()
	var keys []string
	for _, e := range c.l1.Entries() {
		if e.HasAnyTag(tags) {
			keys = append(keys, e.Key)
		}
	}
	for key, entryTags := range c.l2Index {
		probe := CacheEntry{Tags: entryTags}
		if probe.HasAnyTag(tags) {
			keys = append(keys, key)
		}
	}
	removed := 0
	for _, key := range keys {
		if c.removeLocked(key) {
			removed++
		}
	}
	ops := c.drainLocked()
	c.mu.Unlock()

	c.applyTierOps(ctx, ops)
	return removed
}

// Clear empties every level
func (c *MultiLevelCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.l1.Clear()
	for key := range c.l2Index {
		c.pending = append(c.pending, tierOp{key: key})
	}
	c.l2Index = make(map[string][]string)
	c.prefetched = make(map[string]string)
	c.size = 0
	ops := c.drainLocked()
	c.mu.Unlock()

	c.applyTierOps(ctx, ops)
}

// Keys returns the keys resident in L1 followed by those in L2
func (c *MultiLevelCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.l1.Keys()
	for k := range c.l2Index {
		keys = append(keys, k)
	}
	return keys
}

// Lists returns a snapshot of the ARC lists
func (c *MultiLevelCache) Lists() ARCSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l1.Lists()
}

// GetStats returns a snapshot of the cache counters
func (c *MultiLevelCache) GetStats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.l1.Lists()
	stats := types.CacheStats{
		Entries:      c.l1.Len() + len(c.l2Index),
		Size:         c.size,
		Capacity:     c.l1.Capacity(),
		Hits:         c.counters.hits,
		Misses:       c.counters.misses,
		L1Hits:       c.counters.l1Hits,
		L2Hits:       c.counters.l2Hits,
		Evictions:    c.counters.evictions,
		Demotions:    c.counters.demotions,
		Expirations:  c.counters.expirations,
		Prefetches:   c.counters.prefetches,
		PrefetchHits: c.counters.prefetchHits,
		T1:           len(snap.T1),
		T2:           len(snap.T2),
		B1:           len(snap.B1),
		B2:           len(snap.B2),
		P:            snap.P,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close stops prefetch workers and closes the L2 tier
func (c *MultiLevelCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.cancel()
		c.wg.Wait()
		if c.l2 != nil {
			err = c.l2.Close(context.Background())
		}
	})
	return err
}

// lookupL1Locked returns a live entry, dropping it if expired
func (c *MultiLevelCache) lookupL1Locked(key string, now time.Time) (*CacheEntry, bool) {
	entry, ok := c.l1.Get(key)
	if !ok {
		return nil, false
	}
	if entry.IsExpired(now) {
		c.l1.Remove(key)
		c.size -= entry.Size
		c.counters.expirations++
		c.forgetPrefetchLocked(key, false)
		return nil, false
	}
	return entry, true
}

func (c *MultiLevelCache) hitLocked(entry *CacheEntry, user string, now time.Time, lvl level) []byte {
	entry.touch(now)
	c.counters.hits++
	if lvl == levelL1 {
		c.counters.l1Hits++
	} else {
		c.counters.l2Hits++
	}
	if _, ok := c.prefetched[entry.Key]; ok {
		c.counters.prefetchHits++
		c.forgetPrefetchLocked(entry.Key, true)
	}
	if user != "" {
		c.prefetcher.RecordAccess(user, entry.Key, now)
	}
	return entry.Value
}

func (c *MultiLevelCache) setLocked(entry *CacheEntry) {
	if old, ok := c.l1.Peek(entry.Key); ok {
		c.size -= old.Size
	}
	if _, ok := c.l2Index[entry.Key]; ok {
		delete(c.l2Index, entry.Key)
		c.pending = append(c.pending, tierOp{key: entry.Key})
	}
	c.l1.Put(entry.Key, entry)
	c.size += entry.Size
}

// promoteLocked moves an L2 entry into L1 (exclusive levels)
func (c *MultiLevelCache) promoteLocked(entry *CacheEntry) {
	delete(c.l2Index, entry.Key)
	c.pending = append(c.pending, tierOp{key: entry.Key})
	c.l1.Put(entry.Key, entry)
	c.size += entry.Size
}

func (c *MultiLevelCache) removeLocked(key string) bool {
	found := false
	if e, ok := c.l1.Remove(key); ok {
		c.size -= e.Size
		found = true
	}
	if _, ok := c.l2Index[key]; ok {
		delete(c.l2Index, key)
		c.pending = append(c.pending, tierOp{key: key})
		found = true
	}
	delete(c.prefetched, key)
	return found
}

// onL1Evict runs under c.mu from inside ARC Put
func (c *MultiLevelCache) onL1Evict(entry *CacheEntry) {
	c.size -= entry.Size
	c.counters.evictions++
	c.forgetPrefetchLocked(entry.Key, false)

	if c.l2 == nil || entry.IsExpired(c.now()) {
		return
	}
	c.l2Index[entry.Key] = entry.Tags
	c.demoting[entry.Key]++
	c.counters.demotions++
	c.pending = append(c.pending, tierOp{key: entry.Key, entry: entry})
}

func (c *MultiLevelCache) forgetPrefetchLocked(key string, used bool) {
	user, ok := c.prefetched[key]
	if !ok {
		return
	}
	delete(c.prefetched, key)
	c.prefetcher.UpdateSuccessRate(user, key, used)
}

func (c *MultiLevelCache) drainLocked() []tierOp {
	if len(c.pending) == 0 {
		return nil
	}
	ops := c.pending
	c.pending = nil
	return ops
}

// applyTierOps writes demotions and deletes to L2. Failures are logged;
// a failed demotion surfaces later as an L2 miss. A demotion whose key left
// the index while the write was in flight is deleted again once it lands.
func (c *MultiLevelCache) applyTierOps(ctx context.Context, ops []tierOp) {
	if c.l2 == nil {
		return
	}
	var stale []string
	for _, op := range ops {
		var err error
		if op.entry != nil {
			err = c.l2.Set(ctx, op.entry)
			if c.finishDemotion(op.key, err == nil) {
				stale = append(stale, op.key)
			}
		} else {
			err = c.l2.Delete(ctx, op.key)
		}
		if err != nil {
			c.logger.Warn("l2 write failed",
				zap.String("tier", c.l2.Name()),
				zap.String("key", op.key),
				zap.Bool("demotion", op.entry != nil),
				zap.Error(err))
		}
	}
	for _, key := range stale {
		if err := c.l2.Delete(ctx, key); err != nil {
			c.logger.Warn("l2 delete of stale demotion failed",
				zap.String("tier", c.l2.Name()),
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

// finishDemotion retires one in-flight demotion of key and reports whether
// the stored copy is no longer indexed and must be removed
func (c *MultiLevelCache) finishDemotion(key string, stored bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.demoting[key]--; c.demoting[key] <= 0 {
		delete(c.demoting, key)
	}
	_, indexed := c.l2Index[key]
	return stored && !indexed
}

func (c *MultiLevelCache) schedulePrefetch(user, key string) {
	if user == "" || c.config.Prefetch.Strategy == PrefetchNone {
		return
	}
	select {
	case <-c.stopCh:
	case c.prefetchQueue <- prefetchJob{user: user, key: key}:
	default:
		// queue full, drop the pass
	}
}

func (c *MultiLevelCache) prefetchWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case job := <-c.prefetchQueue:
			c.runPrefetch(job)
		}
	}
}

func (c *MultiLevelCache) runPrefetch(job prefetchJob) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.config.PrefetchTimeout)
	defer cancel()

	for _, p := range c.prefetcher.Predict(job.user, job.key, c.config.PrefetchLimit) {
		if p.Score <= c.config.PrefetchThreshold {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.prefetchKey(ctx, job.user, p.Key)
	}
}

// prefetchKey materialises key into L1 from L2 or the producer. It does not
// count as a hit or a miss.
func (c *MultiLevelCache) prefetchKey(ctx context.Context, user, key string) {
	c.mu.Lock()
	if e, ok := c.l1.Peek(key); ok && !e.IsExpired(c.now()) {
		c.mu.Unlock()
		return
	}
	_, inL2 := c.l2Index[key]
	c.mu.Unlock()

	if inL2 && c.l2 != nil {
		entry, found, err := c.l2.Get(ctx, key)
		if err != nil || !found {
			return
		}
		c.mu.Lock()
		if _, still := c.l2Index[key]; still && !c.l1.Contains(key) && !entry.IsExpired(c.now()) {
			c.promoteLocked(entry)
			c.prefetched[key] = user
			c.counters.prefetches++
		}
		ops := c.drainLocked()
		c.mu.Unlock()
		c.applyTierOps(ctx, ops)
		return
	}

	if c.producer == nil {
		return
	}
	value, err := c.producer.Compute(ctx, key)
	if err != nil {
		c.logger.Debug("prefetch compute failed", zap.String("key", key), zap.Error(err))
		return
	}

	c.mu.Lock()
	if !c.l1.Contains(key) {
		c.setLocked(NewCacheEntry(key, value, c.config.DefaultTTL, nil, c.now()))
		c.prefetched[key] = user
		c.counters.prefetches++
	}
	ops := c.drainLocked()
	c.mu.Unlock()
	c.applyTierOps(ctx, ops)
}
