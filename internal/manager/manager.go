// Package manager runs queries asynchronously behind a global concurrency
// limit and hands results back by request id.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/objectfs/querycache/pkg/errors"
	"github.com/objectfs/querycache/pkg/types"
)

// Executor runs one query to completion. *balancer.QueryLoadBalancer
// satisfies it.
type Executor interface {
	ExecuteQuery(ctx context.Context, req *types.QueryRequest) *types.QueryResponse
}

// Config configures a ConcurrentQueryManager
type Config struct {
	MaxConcurrentQueries int           `yaml:"max_concurrent_queries" validate:"min=1"`
	PollInterval         time.Duration `yaml:"poll_interval" validate:"min=0"`
	ResultTTL            time.Duration `yaml:"result_ttl" validate:"min=0"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval" validate:"min=0"`
}

// DefaultConfig returns the stock manager configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrentQueries: 100,
		PollInterval:         10 * time.Millisecond,
		ResultTTL:            5 * time.Minute,
		CleanupInterval:      time.Minute,
	}
}

type storedResult struct {
	response *types.QueryResponse
	storedAt time.Time
}

// ConcurrentQueryManager accepts queries, runs each on its own goroutine once
// a global permit is free, and stores the response until it is fetched or
// expires. A fetch timeout never cancels the query itself.
type ConcurrentQueryManager struct {
	config   Config
	executor Executor
	logger   *zap.Logger
	sem      *semaphore.Weighted
	now      func() time.Time

	mu       sync.Mutex
	active   map[string]*types.QueryRequest
	results  map[string]storedResult
	shutdown bool

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped chan struct{}

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	expired   atomic.Uint64
}

// New creates a manager and starts its result sweeper
func New(config Config, executor Executor, logger *zap.Logger) (*ConcurrentQueryManager, error) {
	if executor == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "executor is required").
			WithComponent("manager")
	}

	defaults := DefaultConfig()
	if config.MaxConcurrentQueries <= 0 {
		config.MaxConcurrentQueries = defaults.MaxConcurrentQueries
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.ResultTTL <= 0 {
		config.ResultTTL = defaults.ResultTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &ConcurrentQueryManager{
		config:   config,
		executor: executor,
		logger:   logger.Named("manager"),
		sem:      semaphore.NewWeighted(int64(config.MaxConcurrentQueries)),
		now:      time.Now,
		active:   make(map[string]*types.QueryRequest),
		results:  make(map[string]storedResult),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m, nil
}

// Submit registers req as active, starts it in the background and returns
// its id. An empty id is replaced with a random UUID. An id that is still
// running or whose result has not been fetched is rejected.
func (m *ConcurrentQueryManager) Submit(req *types.QueryRequest) (string, error) {
	if req == nil {
		return "", errors.NewError(errors.ErrCodeInvalidRequest, "request is nil").WithComponent("manager")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now()
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return "", errors.ErrStopped
	}
	if _, dup := m.active[req.ID]; dup {
		m.mu.Unlock()
		return "", errors.NewError(errors.ErrCodeInvalidRequest, "request id already in flight").
			WithComponent("manager").
			WithRequest(req.ID)
	}
	if _, unread := m.results[req.ID]; unread {
		m.mu.Unlock()
		return "", errors.NewError(errors.ErrCodeInvalidRequest, "request id has an unfetched result").
			WithComponent("manager").
			WithRequest(req.ID)
	}
	m.active[req.ID] = req
	m.wg.Add(1)
	m.mu.Unlock()

	m.submitted.Inc()
	go m.run(req)
	return req.ID, nil
}

func (m *ConcurrentQueryManager) run(req *types.QueryRequest) {
	defer m.wg.Done()

	// queries outlive their submitter; nothing cancels them
	ctx := context.Background()
	var resp *types.QueryResponse
	if err := m.sem.Acquire(ctx, 1); err != nil {
		resp = &types.QueryResponse{RequestID: req.ID, Error: err}
	} else {
		resp = m.execute(ctx, req)
		m.sem.Release(1)
	}

	if resp.Error != nil {
		m.failed.Inc()
	} else {
		m.succeeded.Inc()
	}

	m.mu.Lock()
	delete(m.active, req.ID)
	m.results[req.ID] = storedResult{response: resp, storedAt: m.now()}
	m.mu.Unlock()
}

// execute converts a panicking executor into a failed response
func (m *ConcurrentQueryManager) execute(ctx context.Context, req *types.QueryRequest) (resp *types.QueryResponse) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("query executor panicked", zap.String("request_id", req.ID), zap.Any("panic", r))
			resp = &types.QueryResponse{
				RequestID:  req.ID,
				RetryCount: req.RetryCount,
				Error: errors.Newf(errors.ErrCodeInternalError, "executor panic: %v", r).
					WithComponent("manager").
					WithRequest(req.ID),
			}
		}
	}()

	resp = m.executor.ExecuteQuery(ctx, req)
	if resp == nil {
		resp = &types.QueryResponse{
			RequestID: req.ID,
			Error:     errors.NewError(errors.ErrCodeInternalError, "executor returned no response").WithRequest(req.ID),
		}
	}
	return resp
}

// GetResult polls for the response of id until it is stored or timeout
// elapses. A fetched result is removed. On timeout the query keeps running
// and its result can still be fetched later.
func (m *ConcurrentQueryManager) GetResult(ctx context.Context, id string, timeout time.Duration) (*types.QueryResponse, error) {
	if resp, ok := m.take(id); ok {
		return resp, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if resp, ok := m.take(id); ok {
				return resp, nil
			}
		case <-timer.C:
			if resp, ok := m.take(id); ok {
				return resp, nil
			}
			return nil, errors.NewError(errors.ErrCodeResultTimeout, "result not ready before deadline").
				WithComponent("manager").
				WithRequest(id).
				WithDetail("timeout", timeout.String())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *ConcurrentQueryManager) take(id string) (*types.QueryResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.results[id]
	if !ok {
		return nil, false
	}
	delete(m.results, id)
	return stored.response, true
}

// SubmitAndWait submits req and waits up to timeout for its response
func (m *ConcurrentQueryManager) SubmitAndWait(ctx context.Context, req *types.QueryRequest, timeout time.Duration) (*types.QueryResponse, error) {
	id, err := m.Submit(req)
	if err != nil {
		return nil, err
	}
	return m.GetResult(ctx, id, timeout)
}

// ActiveCount returns the number of submitted queries without a stored result
func (m *ConcurrentQueryManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// IsActive reports whether id is still running or waiting for a permit
func (m *ConcurrentQueryManager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// GetStats returns a snapshot of the manager
func (m *ConcurrentQueryManager) GetStats() types.ManagerStats {
	m.mu.Lock()
	active, stored := len(m.active), len(m.results)
	m.mu.Unlock()

	return types.ManagerStats{
		MaxConcurrent: m.config.MaxConcurrentQueries,
		Active:        active,
		Stored:        stored,
		Submitted:     m.submitted.Load(),
		Succeeded:     m.succeeded.Load(),
		Failed:        m.failed.Load(),
		Expired:       m.expired.Load(),
	}
}

func (m *ConcurrentQueryManager) sweepLoop() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops stored results older than ResultTTL
func (m *ConcurrentQueryManager) sweep() int {
	cutoff := m.now().Add(-m.config.ResultTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for id, stored := range m.results {
		if stored.storedAt.Before(cutoff) {
			delete(m.results, id)
			dropped++
		}
	}
	if dropped > 0 {
		m.expired.Add(uint64(dropped))
		m.logger.Debug("expired unfetched results", zap.Int("count", dropped))
	}
	return dropped
}

// Shutdown stops accepting queries and waits for in-flight ones to finish
// or ctx to end. In-flight queries are never cancelled.
func (m *ConcurrentQueryManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.stopped

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("query manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached with queries in flight", zap.Int("active", m.ActiveCount()))
		return ctx.Err()
	}
}
