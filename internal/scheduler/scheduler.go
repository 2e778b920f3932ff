// Package scheduler orders queued work across the five priority classes
// with weighted fair service.
package scheduler

import (
	"container/list"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/objectfs/querycache/pkg/types"
)

// Weights is the share of service each priority class receives per round
type Weights struct {
	Critical   int `yaml:"critical" validate:"min=1"`
	High       int `yaml:"high" validate:"min=1"`
	Normal     int `yaml:"normal" validate:"min=1"`
	Low        int `yaml:"low" validate:"min=1"`
	Background int `yaml:"background" validate:"min=1"`
}

// DefaultWeights returns 100/50/20/10/1
func DefaultWeights() Weights {
	return Weights{
		Critical:   100,
		High:       50,
		Normal:     20,
		Low:        10,
		Background: 1,
	}
}

// Of returns the weight of priority p
func (w Weights) Of(p types.Priority) int {
	switch p {
	case types.PriorityCritical:
		return w.Critical
	case types.PriorityHigh:
		return w.High
	case types.PriorityNormal:
		return w.Normal
	case types.PriorityLow:
		return w.Low
	case types.PriorityBackground:
		return w.Background
	default:
		return 0
	}
}

// QueryPriorityScheduler holds one FIFO queue per priority class. Dequeue
// serves classes high to low, each up to its weight per round; a round ends
// when no class has both credit and items, at which point credits reset.
type QueryPriorityScheduler[T any] struct {
	mu      sync.Mutex
	queues  [types.NumPriorities]*list.List
	credits [types.NumPriorities]int
	weights [types.NumPriorities]int
	served  [types.NumPriorities]uint64
	rounds  uint64
	logger  *zap.Logger
}

// New creates a scheduler. Non-positive weights fall back to the defaults.
func New[T any](weights Weights, logger *zap.Logger) *QueryPriorityScheduler[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultWeights()

	s := &QueryPriorityScheduler[T]{logger: logger.Named("scheduler")}
	for _, p := range types.Priorities {
		w := weights.Of(p)
		if w <= 0 {
			w = defaults.Of(p)
		}
		s.weights[p] = w
		s.queues[p] = list.New()
	}
	return s
}

// Enqueue appends item to the tail of its priority class
func (s *QueryPriorityScheduler[T]) Enqueue(priority types.Priority, item T) error {
	if !priority.Valid() {
		return fmt.Errorf("invalid priority: %d", priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[priority].PushBack(item)
	return nil
}

// Dequeue removes the next item by weighted priority order. ok is false when
// every queue is empty.
func (s *QueryPriorityScheduler[T]) Dequeue() (item T, priority types.Priority, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range types.Priorities {
		if s.queues[p].Len() > 0 && s.credits[p] < s.weights[p] {
			return s.pop(p)
		}
	}

	// round over: reset credits, then the starvation sweep serves whatever is left
	s.credits = [types.NumPriorities]int{}
	s.rounds++
	s.logger.Debug("scheduling round complete", zap.Uint64("round", s.rounds))
	for _, p := range types.Priorities {
		if s.queues[p].Len() > 0 {
			return s.pop(p)
		}
	}

	var zero T
	return zero, types.PriorityNormal, false
}

func (s *QueryPriorityScheduler[T]) pop(p types.Priority) (T, types.Priority, bool) {
	front := s.queues[p].Front()
	s.queues[p].Remove(front)
	s.credits[p]++
	s.served[p]++
	return front.Value.(T), p, true
}

// Len returns the number of queued items across all classes
func (s *QueryPriorityScheduler[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}

// QueueSizes returns the depth of each class keyed by priority name
func (s *QueryPriorityScheduler[T]) QueueSizes() types.QueueSizes {
	s.mu.Lock()
	defer s.mu.Unlock()

	sizes := make(types.QueueSizes, len(types.Priorities))
	for _, p := range types.Priorities {
		sizes[p.String()] = s.queues[p].Len()
	}
	return sizes
}

// Served returns how many items each class has had dequeued, keyed by priority name
func (s *QueryPriorityScheduler[T]) Served() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	served := make(map[string]uint64, len(types.Priorities))
	for _, p := range types.Priorities {
		served[p.String()] = s.served[p]
	}
	return served
}

// Weight returns the configured weight of priority p
func (s *QueryPriorityScheduler[T]) Weight(p types.Priority) int {
	if !p.Valid() {
		return 0
	}
	return s.weights[p]
}
