package circuit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/querycache/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit breaker is closed, requests pass through
	StateClosed State = iota
	// StateOpen - circuit breaker is open, requests are rejected
	StateOpen
	// StateHalfOpen - requests pass through to probe whether the node recovered
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures (net of decay) that open the circuit
	FailureThreshold int `yaml:"failure_threshold" validate:"min=1"`

	// Consecutive half-open successes that close the circuit
	SuccessThreshold int `yaml:"success_threshold" validate:"min=1"`

	// Time since the last failure after which an open circuit admits a probe
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// Function called when state changes
	OnStateChange func(name string, from State, to State) `yaml:"-"`
}

// DefaultConfig returns the stock breaker tuning
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          60 * time.Second,
	}
}

// Counts holds the breaker's counters
type Counts struct {
	Requests        uint64    `json:"requests"`
	TotalSuccesses  uint64    `json:"total_successes"`
	TotalFailures   uint64    `json:"total_failures"`
	Rejected        uint64    `json:"rejected"`
	FailureCount    int       `json:"failure_count"`
	SuccessStreak   int       `json:"success_streak"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// CircuitBreaker isolates a failing dependency. Failures accumulate while
// closed (each success decays the count by one); reaching the threshold
// opens the circuit until Timeout has passed since the last failure.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
}

// NewCircuitBreaker creates a new circuit breaker instance
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger.Named("circuit").With(zap.String("breaker", name)),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Call runs op unless the circuit is open. An open circuit fails with
// errors.ErrCircuitOpen without invoking op.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	if err := cb.beforeRequest(); err != nil {
		return nil, err
	}

	result, err := op(ctx)
	cb.afterRequest(err)
	return result, err
}

// Execute runs fn through the breaker
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.Call(context.Background(), func(context.Context) (any, error) {
		return nil, fn()
	})
	return err
}

// beforeRequest is called before executing the request
func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.currentState(cb.now()) == StateOpen {
		cb.counts.Rejected++
		return errors.NewError(errors.ErrCodeCircuitOpen, "circuit breaker is open").
			WithComponent("circuit").
			WithNode(cb.name).
			WithDetail("retry_after", cb.counts.LastFailureTime.Add(cb.config.Timeout))
	}

	cb.counts.Requests++
	return nil
}

// afterRequest is called after executing the request
func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if err == nil {
		cb.onSuccess(now)
	} else {
		cb.onFailure(now)
	}
}

func (cb *CircuitBreaker) onSuccess(now time.Time) {
	cb.counts.TotalSuccesses++

	switch cb.state {
	case StateHalfOpen:
		cb.counts.SuccessStreak++
		if cb.counts.SuccessStreak >= cb.config.SuccessThreshold {
			cb.setState(StateClosed, now)
		}
	case StateClosed:
		if cb.counts.FailureCount > 0 {
			cb.counts.FailureCount--
		}
	}
}

// onFailure counts the failure in any state; a half-open probe failure reopens immediately
func (cb *CircuitBreaker) onFailure(now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.FailureCount++
	cb.counts.LastFailureTime = now
	cb.counts.SuccessStreak = 0

	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	case StateClosed:
		if cb.counts.FailureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	}
}

// currentState moves an open circuit to half-open once its timeout has elapsed
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.counts.LastFailureTime) >= cb.config.Timeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

// setState changes the state of the circuit breaker
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	prev := cb.state
	if prev == state {
		return
	}
	cb.state = state

	switch state {
	case StateClosed:
		cb.counts.FailureCount = 0
		cb.counts.SuccessStreak = 0
		cb.logger.Info("circuit closed", zap.Stringer("from", prev))
	case StateOpen:
		cb.counts.SuccessStreak = 0
		cb.logger.Warn("circuit opened",
			zap.Stringer("from", prev),
			zap.Int("failures", cb.counts.FailureCount),
			zap.Time("retry_after", now.Add(cb.config.Timeout)))
	case StateHalfOpen:
		cb.counts.SuccessStreak = 0
		cb.logger.Info("circuit half-open")
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// State returns the current state, applying any due open to half-open transition
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(cb.now())
}

// Counts returns a copy of the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset returns the breaker to closed with cleared counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed, cb.now())
	cb.counts = Counts{}
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Manager holds one breaker per node id
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
	logger   *zap.Logger
}

// NewManager creates a new circuit breaker manager
func NewManager(config Config, logger *zap.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// Get gets or creates the breaker for name
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, exists := m.breakers[name]; exists {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check in case another goroutine created it
	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	breaker := NewCircuitBreaker(name, m.config, m.logger)
	m.breakers[name] = breaker
	return breaker
}

// Remove drops the breaker for name
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.breakers, name)
}

// Names returns the registered breaker names, sorted
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetAll resets all circuit breakers
func (m *Manager) ResetAll() {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	for _, breaker := range breakers {
		breaker.Reset()
	}
}

// Stats returns statistics for all circuit breakers
func (m *Manager) Stats() map[string]BreakerStats {
	m.mu.RLock()
	breakers := make(map[string]*CircuitBreaker, len(m.breakers))
	for name, breaker := range m.breakers {
		breakers[name] = breaker
	}
	m.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(breakers))
	for name, breaker := range breakers {
		stats[name] = BreakerStats{
			Name:   name,
			State:  breaker.State(),
			Counts: breaker.Counts(),
		}
	}
	return stats
}

// BreakerStats represents statistics for a single circuit breaker
type BreakerStats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// HealthCheck reports an error naming every open breaker
func (m *Manager) HealthCheck() error {
	var open []string
	for name, stat := range m.Stats() {
		if stat.State == StateOpen {
			open = append(open, name)
		}
	}
	if len(open) > 0 {
		sort.Strings(open)
		return fmt.Errorf("circuit breakers open: %v", open)
	}
	return nil
}
