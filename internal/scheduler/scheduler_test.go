package scheduler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/querycache/pkg/types"
)

func fill(t *testing.T, s *QueryPriorityScheduler[int], p types.Priority, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Enqueue(p, i))
	}
}

func TestScheduler_FIFOWithinClass(t *testing.T) {
	s := New[int](DefaultWeights(), nil)
	fill(t, s, types.PriorityNormal, 5)

	for want := 0; want < 5; want++ {
		got, p, ok := s.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
		assert.Equal(t, types.PriorityNormal, p)
	}

	_, _, ok := s.Dequeue()
	assert.False(t, ok)
}

func TestScheduler_HigherClassFirst(t *testing.T) {
	s := New[int](DefaultWeights(), nil)
	require.NoError(t, s.Enqueue(types.PriorityLow, 1))
	require.NoError(t, s.Enqueue(types.PriorityCritical, 2))
	require.NoError(t, s.Enqueue(types.PriorityNormal, 3))

	var order []int
	for {
		v, _, ok := s.Dequeue()
		if !ok {
			break
		}
		order = append(order, v)
	}
	assert.Equal(t, []int{2, 3, 1}, order)
}

func TestScheduler_WeightedFairness(t *testing.T) {
	s := New[int](DefaultWeights(), nil)
	for _, p := range types.Priorities {
		fill(t, s, p, 2000)
	}

	const rounds = 10
	counts := map[types.Priority]int{}
	for i := 0; i < 181*rounds; i++ {
		_, p, ok := s.Dequeue()
		require.True(t, ok)
		counts[p]++
	}

	assert.Equal(t, 100*rounds, counts[types.PriorityCritical])
	assert.Equal(t, 50*rounds, counts[types.PriorityHigh])
	assert.Equal(t, 20*rounds, counts[types.PriorityNormal])
	assert.Equal(t, 10*rounds, counts[types.PriorityLow])
	assert.Equal(t, 1*rounds, counts[types.PriorityBackground])
}

func TestScheduler_BackgroundOnlyIsServed(t *testing.T) {
	s := New[int](DefaultWeights(), nil)
	fill(t, s, types.PriorityBackground, 10)

	for i := 0; i < 10; i++ {
		v, p, ok := s.Dequeue()
		require.True(t, ok, "dequeue %d", i)
		assert.Equal(t, i, v)
		assert.Equal(t, types.PriorityBackground, p)
	}
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_LowPriorityNotStarved(t *testing.T) {
	s := New[int](DefaultWeights(), nil)
	fill(t, s, types.PriorityCritical, 1000)
	require.NoError(t, s.Enqueue(types.PriorityBackground, -1))

	for i := 0; i < 101; i++ {
		v, p, ok := s.Dequeue()
		require.True(t, ok)
		if p == types.PriorityBackground {
			assert.Equal(t, -1, v)
			return
		}
	}
	t.Fatal("background item not served within one round")
}

func TestScheduler_CustomWeights(t *testing.T) {
	s := New[int](Weights{Critical: 2, High: 1, Normal: 1, Low: 1, Background: 1}, nil)
	fill(t, s, types.PriorityCritical, 10)
	fill(t, s, types.PriorityHigh, 10)

	var classes []types.Priority
	for i := 0; i < 6; i++ {
		_, p, _ := s.Dequeue()
		classes = append(classes, p)
	}
	c, h := types.PriorityCritical, types.PriorityHigh
	assert.Equal(t, []types.Priority{c, c, h, c, c, h}, classes)

	zero := New[int](Weights{}, nil)
	assert.Equal(t, 100, zero.Weight(types.PriorityCritical))
	assert.Equal(t, 1, zero.Weight(types.PriorityBackground))
}

func TestScheduler_RejectsInvalidPriority(t *testing.T) {
	s := New[int](DefaultWeights(), nil)
	assert.Error(t, s.Enqueue(types.Priority(42), 1))
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_QueueSizes(t *testing.T) {
	s := New[string](DefaultWeights(), nil)
	require.NoError(t, s.Enqueue(types.PriorityHigh, "a"))
	require.NoError(t, s.Enqueue(types.PriorityHigh, "b"))
	require.NoError(t, s.Enqueue(types.PriorityLow, "c"))

	sizes := s.QueueSizes()
	assert.Equal(t, 2, sizes["high"])
	assert.Equal(t, 1, sizes["low"])
	assert.Equal(t, 0, sizes["critical"])
	assert.Equal(t, 3, sizes.Total())

	_, _, _ = s.Dequeue()
	assert.Equal(t, uint64(1), s.Served()["high"])
}

func TestScheduler_Concurrent(t *testing.T) {
	s := New[int](DefaultWeights(), nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = s.Enqueue(types.Priorities[(g+i)%len(types.Priorities)], i)
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, 800, s.Len())

	var mu sync.Mutex
	total := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, _, ok := s.Dequeue(); !ok {
					return
				}
				mu.Lock()
				total++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, total)
}
