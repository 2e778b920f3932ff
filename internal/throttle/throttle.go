// Package throttle bounds global query concurrency with a limit that tunes
// itself from the observed success rate.
package throttle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/objectfs/querycache/pkg/types"
)

// Config bounds and tunes the limit
type Config struct {
	MinLimit     int           `yaml:"min_limit" validate:"min=1"`
	MaxLimit     int           `yaml:"max_limit" validate:"min=1"`
	InitialLimit int           `yaml:"initial_limit" validate:"min=1"`
	Window       time.Duration `yaml:"window" validate:"gt=0"`
	// RaiseAbove and LowerBelow are success-rate thresholds
	RaiseAbove float64 `yaml:"raise_above" validate:"gt=0,lte=1"`
	LowerBelow float64 `yaml:"lower_below" validate:"gt=0,lte=1"`
	// Step is the fractional change applied per adjustment
	Step float64 `yaml:"step" validate:"gt=0,lt=1"`
}

// DefaultConfig returns the stock throttle tuning
func DefaultConfig() Config {
	return Config{
		MinLimit:     10,
		MaxLimit:     1000,
		InitialLimit: 100,
		Window:       60 * time.Second,
		RaiseAbove:   0.95,
		LowerBelow:   0.80,
		Step:         0.10,
	}
}

// Validate checks the cross-field bounds
func (c Config) Validate() error {
	if c.MinLimit <= 0 {
		return fmt.Errorf("min_limit must be positive, got %d", c.MinLimit)
	}
	if c.MinLimit > c.InitialLimit || c.InitialLimit > c.MaxLimit {
		return fmt.Errorf("limits must satisfy min <= initial <= max, got %d/%d/%d",
			c.MinLimit, c.InitialLimit, c.MaxLimit)
	}
	if c.LowerBelow > c.RaiseAbove {
		return fmt.Errorf("lower_below %.2f exceeds raise_above %.2f", c.LowerBelow, c.RaiseAbove)
	}
	return nil
}

// AdaptiveThrottling is a counting semaphore whose size follows the success
// rate of the work it guards. A resize swaps in a new semaphore; holders of
// the old one release into it and are not counted against the new limit.
type AdaptiveThrottling struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	sem         *semaphore.Weighted
	limit       int
	inFlight    int
	windowStart time.Time
	requests    int64
	successes   int64
	adjustments uint64
}

// New creates a throttle at config.InitialLimit
func New(config Config, logger *zap.Logger) (*AdaptiveThrottling, error) {
	defaults := DefaultConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.RaiseAbove <= 0 {
		config.RaiseAbove = defaults.RaiseAbove
	}
	if config.LowerBelow <= 0 {
		config.LowerBelow = defaults.LowerBelow
	}
	if config.Step <= 0 {
		config.Step = defaults.Step
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &AdaptiveThrottling{
		config: config,
		logger: logger.Named("throttle"),
		now:    time.Now,
		limit:  config.InitialLimit,
		sem:    semaphore.NewWeighted(int64(config.InitialLimit)),
	}
	t.windowStart = t.now()
	return t, nil
}

// Acquire blocks for a permit, runs fn, releases the permit and records the
// outcome. It returns ctx.Err() without running fn if ctx ends while waiting.
func (t *AdaptiveThrottling) Acquire(ctx context.Context, fn func(context.Context) error) error {
	t.mu.Lock()
	sem := t.sem
	t.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}

	t.mu.Lock()
	t.inFlight++
	t.mu.Unlock()

	var err error
	defer func() {
		sem.Release(1)
		t.record(err == nil)
	}()

	err = fn(ctx)
	return err
}

func (t *AdaptiveThrottling) record(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.inFlight--
	t.requests++
	if success {
		t.successes++
	}
	t.evaluateLocked(t.now())
}

// evaluateLocked adjusts the limit once the window has elapsed and starts a new window
func (t *AdaptiveThrottling) evaluateLocked(now time.Time) {
	if now.Sub(t.windowStart) < t.config.Window || t.requests == 0 {
		return
	}

	rate := float64(t.successes) / float64(t.requests)
	next := t.limit
	switch {
	case rate > t.config.RaiseAbove:
		next = int(math.Round(float64(t.limit) * (1 + t.config.Step)))
		if next == t.limit {
			next++
		}
	case rate < t.config.LowerBelow:
		next = int(math.Floor(float64(t.limit) * (1 - t.config.Step)))
		if next == t.limit {
			next--
		}
	}
	next = clamp(next, t.config.MinLimit, t.config.MaxLimit)

	if next != t.limit {
		t.logger.Info("throttle limit changed",
			zap.Int("from", t.limit),
			zap.Int("to", next),
			zap.Float64("success_rate", rate),
			zap.Int64("window_requests", t.requests))
		t.limit = next
		t.sem = semaphore.NewWeighted(int64(next))
		t.adjustments++
	}

	t.requests = 0
	t.successes = 0
	t.windowStart = now
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Limit returns the current number of permits
func (t *AdaptiveThrottling) Limit() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit
}

// InFlight returns the number of running guarded operations
func (t *AdaptiveThrottling) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

// Stats returns a snapshot of the throttle
func (t *AdaptiveThrottling) Stats() types.ThrottleStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return types.ThrottleStats{
		CurrentLimit:    t.limit,
		MinLimit:        t.config.MinLimit,
		MaxLimit:        t.config.MaxLimit,
		InFlight:        t.inFlight,
		WindowRequests:  t.requests,
		WindowSuccesses: t.successes,
		WindowStart:     t.windowStart,
		Adjustments:     t.adjustments,
	}
}
