// Package health tracks the health of named components and derives an
// overall service state from the worst of them
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the health of a component or of the whole service
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates the component works with reduced capability
	StateDegraded

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Check probes one component. A nil error is a success.
type Check func(ctx context.Context) error

// ComponentHealth is a snapshot of one component
type ComponentHealth struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
}

// Config configures health tracking behavior
type Config struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" validate:"min=1"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" validate:"min=1"`

	// CheckInterval is the interval between automatic checks
	CheckInterval time.Duration `yaml:"check_interval" validate:"min=0"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        15 * time.Second,
	}
}

// StateChangeFunc is called after a component changes state
type StateChangeFunc func(component string, from, to State, err error)

type component struct {
	health ComponentHealth
	check  Check
}

// Tracker tracks the health of multiple components
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*component
	listeners  []StateChangeFunc
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewTracker creates a tracker. Non-positive thresholds take their defaults.
func NewTracker(config Config, logger *zap.Logger) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(config.ErrorThreshold, defaults.UnavailableThreshold)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		components: make(map[string]*component),
		config:     config,
		logger:     logger.Named("health"),
		now:        time.Now,
	}
}

// Register adds a component in the healthy state. check may be nil for
// components that only report through RecordSuccess and RecordError.
func (t *Tracker) Register(name string, check Check) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, exists := t.components[name]; exists {
		c.check = check
		return
	}
	now := t.now()
	t.components[name] = &component{
		health: ComponentHealth{Name: name, State: StateHealthy, LastStateChange: now, LastCheck: now},
		check:  check,
	}
}

// OnStateChange registers fn for every state transition
func (t *Tracker) OnStateChange(fn StateChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// RecordSuccess decays the error count of name and restores it to healthy
// once the count reaches zero
func (t *Tracker) RecordSuccess(name string) {
	t.record(name, nil)
}

// RecordError counts a failure of name, degrading it at ErrorThreshold and
// marking it unavailable at UnavailableThreshold
func (t *Tracker) RecordError(name string, err error) {
	if err == nil {
		err = fmt.Errorf("%s check failed", name)
	}
	t.record(name, err)
}

func (t *Tracker) record(name string, err error) {
	t.mu.Lock()
	c, exists := t.components[name]
	if !exists {
		t.mu.Unlock()
		return
	}

	h := &c.health
	from := h.State
	h.LastCheck = t.now()

	to := from
	if err == nil {
		if h.ConsecutiveErrors > 0 {
			h.ConsecutiveErrors--
		}
		if h.ConsecutiveErrors == 0 {
			to = StateHealthy
			h.LastError = ""
		}
	} else {
		h.ConsecutiveErrors++
		h.LastError = err.Error()
		switch {
		case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
			to = StateUnavailable
		case h.ConsecutiveErrors >= t.config.ErrorThreshold:
			to = StateDegraded
		}
	}

	var listeners []StateChangeFunc
	if to != from {
		h.State = to
		h.LastStateChange = h.LastCheck
		listeners = append(listeners, t.listeners...)
	}
	t.mu.Unlock()

	if to == from {
		return
	}
	if to == StateHealthy {
		t.logger.Info("component recovered", zap.String("component", name), zap.Stringer("from", from))
	} else {
		t.logger.Warn("component health changed",
			zap.String("component", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Error(err))
	}
	for _, fn := range listeners {
		fn(name, from, to, err)
	}
}

// State returns the state of name; unknown components are unavailable
func (t *Tracker) State(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, exists := t.components[name]; exists {
		return c.health.State
	}
	return StateUnavailable
}

// Component returns a snapshot of name
func (t *Tracker) Component(name string) (ComponentHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, exists := t.components[name]
	if !exists {
		return ComponentHealth{}, false
	}
	return c.health, true
}

// Components returns snapshots of every component sorted by name
func (t *Tracker) Components() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ComponentHealth, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, c.health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst component state, healthy with no components
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.health.State > overall {
			overall = c.health.State
		}
	}
	return overall
}

// CheckAll runs every registered check once
func (t *Tracker) CheckAll(ctx context.Context) {
	t.mu.RLock()
	checks := make(map[string]Check, len(t.components))
	for name, c := range t.components {
		if c.check != nil {
			checks[name] = c.check
		}
	}
	t.mu.RUnlock()

	for name, check := range checks {
		if err := check(ctx); err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}

// Run checks every CheckInterval until ctx ends. A non-positive interval
// returns immediately.
func (t *Tracker) Run(ctx context.Context) {
	if t.config.CheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckAll(ctx)
		}
	}
}
