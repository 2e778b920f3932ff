package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/objectfs/querycache/internal/cache/codec"
)

// Store is a byte store with TTLs. Get returns exactly the bytes given to Set.
// Implementations live under provider/.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set returns ok=false when the store rejected the write
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)
	Del(ctx context.Context, key string) error
	Close(ctx context.Context) error
}

// Tier is a slower cache level below the ARC. Errors never surface to
// cache callers; MultiLevelCache treats them as misses.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Set(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	Close(ctx context.Context) error
}

// MemoryTier is an in-process LRU-bounded tier
type MemoryTier struct {
	entries *lru.Cache[string, *CacheEntry]
}

// NewMemoryTier creates a tier holding at most capacity entries
func NewMemoryTier(capacity int) (*MemoryTier, error) {
	entries, err := lru.New[string, *CacheEntry](capacity)
	if err != nil {
		return nil, err
	}
	return &MemoryTier{entries: entries}, nil
}

func (m *MemoryTier) Name() string { return "memory" }

func (m *MemoryTier) Get(_ context.Context, key string) (*CacheEntry, bool, error) {
	e, ok := m.entries.Get(key)
	return e, ok, nil
}

func (m *MemoryTier) Set(_ context.Context, entry *CacheEntry) error {
	m.entries.Add(entry.Key, entry)
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

func (m *MemoryTier) Close(context.Context) error {
	m.entries.Purge()
	return nil
}

// Len returns the number of resident entries
func (m *MemoryTier) Len() int {
	return m.entries.Len()
}

// StoreTierConfig configures a StoreTier
type StoreTierConfig struct {
	Name      string
	KeyPrefix string
	Codec     codec.Options
	// Guard wraps store calls in a circuit breaker so an unreachable
	// remote store is skipped instead of timing out every lookup
	Guard          bool
	GuardFailures  uint32
	GuardTimeout   time.Duration
	RequestTimeout time.Duration
}

// StoreTier adapts a byte Store to a Tier by encoding entries with a codec
type StoreTier struct {
	config  StoreTierConfig
	store   Store
	codec   codec.Codec[CacheEntry]
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewStoreTier wraps store
func NewStoreTier(store Store, config StoreTierConfig, logger *zap.Logger) (*StoreTier, error) {
	if store == nil {
		return nil, errors.New("store tier: nil store")
	}
	if config.Name == "" {
		config.Name = "store"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c, err := codec.New[CacheEntry](config.Codec)
	if err != nil {
		return nil, fmt.Errorf("store tier %s: %w", config.Name, err)
	}

	t := &StoreTier{
		config: config,
		store:  store,
		codec:  c,
		logger: logger.Named("tier").With(zap.String("tier", config.Name)),
	}

	if config.Guard {
		failures := config.GuardFailures
		if failures == 0 {
			failures = 5
		}
		timeout := config.GuardTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        config.Name,
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				t.logger.Warn("tier breaker state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}

	return t, nil
}

func (t *StoreTier) Name() string { return t.config.Name }

func (t *StoreTier) key(k string) string { return t.config.KeyPrefix + k }

func (t *StoreTier) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	defer cancel()

	if t.breaker == nil {
		return fn(ctx)
	}
	return t.breaker.Execute(func() (any, error) { return fn(ctx) })
}

func (t *StoreTier) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	res, err := t.call(ctx, func(ctx context.Context) (any, error) {
		b, ok, err := t.store.Get(ctx, t.key(key))
		if err != nil || !ok {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return nil, false, err
	}
	b, _ := res.([]byte)
	if b == nil {
		return nil, false, nil
	}

	entry, err := t.codec.Decode(b)
	if err != nil {
		// self-heal: drop undecodable payloads
		_ = t.Delete(ctx, key)
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return &entry, true, nil
}

func (t *StoreTier) Set(ctx context.Context, entry *CacheEntry) error {
	data, err := t.codec.Encode(*entry)
	if err != nil {
		return fmt.Errorf("encode %s: %w", entry.Key, err)
	}
	ttl := entry.Remaining(time.Now())

	_, err = t.call(ctx, func(ctx context.Context) (any, error) {
		ok, err := t.store.Set(ctx, t.key(entry.Key), data, int64(len(data)), ttl)
		if err != nil {
			return nil, err
		}
		if !ok {
			t.logger.Debug("store rejected write", zap.String("key", entry.Key))
		}
		return nil, nil
	})
	return err
}

func (t *StoreTier) Delete(ctx context.Context, key string) error {
	_, err := t.call(ctx, func(ctx context.Context) (any, error) {
		return nil, t.store.Del(ctx, t.key(key))
	})
	return err
}

func (t *StoreTier) Close(ctx context.Context) error {
	return t.store.Close(ctx)
}

// BreakerState reports the guard breaker state, "disabled" without one
func (t *StoreTier) BreakerState() string {
	if t.breaker == nil {
		return "disabled"
	}
	return t.breaker.State().String()
}
