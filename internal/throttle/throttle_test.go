package throttle

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var errFailed = errors.New("failed")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestThrottle(t *testing.T, cfg Config) (*AdaptiveThrottling, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	th, err := New(cfg, nil)
	require.NoError(t, err)
	th.now = clk.Now
	th.windowStart = clk.Now()
	return th, clk
}

func run(th *AdaptiveThrottling, ok bool) {
	_ = th.Acquire(context.Background(), func(context.Context) error {
		if ok {
			return nil
		}
		return errFailed
	})
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero min", Config{MinLimit: 0, InitialLimit: 1, MaxLimit: 2}},
		{"initial below min", Config{MinLimit: 5, InitialLimit: 1, MaxLimit: 10}},
		{"initial above max", Config{MinLimit: 1, InitialLimit: 20, MaxLimit: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil)
			assert.Error(t, err)
		})
	}

	th, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 100, th.Limit())
}

func TestThrottle_RaisesOnHighSuccess(t *testing.T) {
	th, clk := newTestThrottle(t, Config{MinLimit: 1, InitialLimit: 10, MaxLimit: 100, Window: time.Minute})

	for i := 0; i < 20; i++ {
		run(th, true)
	}
	assert.Equal(t, 10, th.Limit(), "no change before the window elapses")

	clk.Advance(time.Minute)
	run(th, true)
	assert.Equal(t, 11, th.Limit())

	stats := th.Stats()
	assert.Equal(t, int64(0), stats.WindowRequests)
	assert.Equal(t, uint64(1), stats.Adjustments)
}

func TestThrottle_LowersOnLowSuccess(t *testing.T) {
	th, clk := newTestThrottle(t, Config{MinLimit: 1, InitialLimit: 10, MaxLimit: 100, Window: time.Minute})

	for i := 0; i < 10; i++ {
		run(th, i < 5)
	}
	clk.Advance(time.Minute)
	run(th, false)
	assert.Equal(t, 9, th.Limit())
}

func TestThrottle_HoldsInBand(t *testing.T) {
	th, clk := newTestThrottle(t, Config{MinLimit: 1, InitialLimit: 10, MaxLimit: 100, Window: time.Minute})

	for i := 0; i < 9; i++ {
		run(th, true)
	}
	clk.Advance(time.Minute)
	run(th, false) // 9/10 = 90%
	assert.Equal(t, 10, th.Limit())
	assert.Equal(t, uint64(0), th.Stats().Adjustments)
}

func TestThrottle_StaysWithinBounds(t *testing.T) {
	cfg := Config{MinLimit: 3, InitialLimit: 5, MaxLimit: 8, Window: time.Second}
	th, clk := newTestThrottle(t, cfg)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		run(th, rng.Float64() < 0.5+0.5*float64((i/100)%2))
		if i%7 == 0 {
			clk.Advance(time.Second)
		}
		limit := th.Limit()
		require.GreaterOrEqual(t, limit, cfg.MinLimit)
		require.LessOrEqual(t, limit, cfg.MaxLimit)
	}
}

func TestThrottle_BoundsConcurrency(t *testing.T) {
	th, err := New(Config{MinLimit: 1, InitialLimit: 3, MaxLimit: 3, Window: time.Hour}, nil)
	require.NoError(t, err)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = th.Acquire(context.Background(), func(context.Context) error {
				n := current.Inc()
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Dec()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 0, th.InFlight())
}

func TestThrottle_AcquireHonoursContext(t *testing.T) {
	th, err := New(Config{MinLimit: 1, InitialLimit: 1, MaxLimit: 1, Window: time.Hour}, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	go func() {
		_ = th.Acquire(context.Background(), func(context.Context) error {
			<-release
			return nil
		})
	}()
	require.Eventually(t, func() bool { return th.InFlight() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err = th.Acquire(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	close(release)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

func TestThrottle_ResizeLeavesHoldersAlone(t *testing.T) {
	th, clk := newTestThrottle(t, Config{MinLimit: 1, InitialLimit: 2, MaxLimit: 10, Window: time.Minute})

	hold := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = th.Acquire(context.Background(), func(context.Context) error {
			<-hold
			return nil
		})
	}()
	require.Eventually(t, func() bool { return th.InFlight() == 1 }, time.Second, time.Millisecond)

	clk.Advance(time.Minute)
	run(th, true) // evaluates at 100% and grows to 3
	require.Equal(t, 3, th.Limit())

	// the new semaphore has all 3 permits even though one old holder is still out
	var got atomic.Int32
	var inner sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 3; i++ {
		inner.Add(1)
		go func() {
			defer inner.Done()
			_ = th.Acquire(context.Background(), func(context.Context) error {
				got.Inc()
				<-gate
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool { return got.Load() == 3 }, time.Second, time.Millisecond)
	close(gate)
	inner.Wait()

	close(hold)
	wg.Wait()
	assert.Equal(t, 0, th.InFlight())
}
