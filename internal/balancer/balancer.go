package balancer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/objectfs/querycache/internal/circuit"
	"github.com/objectfs/querycache/internal/pool"
	"github.com/objectfs/querycache/internal/scheduler"
	"github.com/objectfs/querycache/internal/throttle"
	"github.com/objectfs/querycache/pkg/errors"
	"github.com/objectfs/querycache/pkg/retry"
	"github.com/objectfs/querycache/pkg/types"
)

const tracerName = "github.com/objectfs/querycache/internal/balancer"

// Config configures a QueryLoadBalancer
type Config struct {
	Strategy Strategy `yaml:"strategy"`

	// Retry budget for requests with a negative MaxRetries
	MaxRetries int `yaml:"max_retries" validate:"min=0"`

	// Delay before the first retry, doubled per attempt; zero retries immediately
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"min=0"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval" validate:"min=0"`

	// A node is healthy while its success rate is above this
	HealthyThreshold float64 `yaml:"healthy_threshold" validate:"min=0,max=1"`

	Nodes []NodeConfig `yaml:"nodes" validate:"dive"`

	CircuitBreaker circuit.Config    `yaml:"circuit_breaker"`
	Throttle       throttle.Config   `yaml:"throttle"`
	Scheduler      scheduler.Weights `yaml:"scheduler"`
	Pool           pool.Config       `yaml:"pool"`
}

// DefaultConfig returns the stock balancer configuration with no nodes
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategyAdaptive,
		MaxRetries:          types.DefaultMaxRetries,
		HealthCheckInterval: 30 * time.Second,
		HealthyThreshold:    0.5,
		CircuitBreaker:      circuit.DefaultConfig(),
		Throttle:            throttle.DefaultConfig(),
		Scheduler:           scheduler.DefaultWeights(),
		Pool:                pool.DefaultConfig(),
	}
}

// Observer receives per-attempt and per-request outcomes
type Observer interface {
	ObserveAttempt(nodeID string, latency time.Duration, err error)
	ObserveQuery(req *types.QueryRequest, resp *types.QueryResponse)
}

// Option customizes a QueryLoadBalancer
type Option func(*QueryLoadBalancer)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *QueryLoadBalancer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTracerProvider sets the provider spans are created from
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *QueryLoadBalancer) {
		if tp != nil {
			b.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithObserver registers an outcome observer
func WithObserver(o Observer) Option {
	return func(b *QueryLoadBalancer) {
		b.observer = o
	}
}

// ticket parks a request until the scheduler releases it
type ticket struct {
	ready chan struct{}
}

// QueryLoadBalancer routes queries to backend nodes. Each attempt passes the
// throttle, waits its turn in the priority scheduler, selects a node, runs
// through that node's circuit breaker and holds a pooled connection while the
// executor runs. Failed attempts are retried from the top with a fresh node
// selection until the request's retry budget is spent.
type QueryLoadBalancer struct {
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
	executor types.QueryExecutor

	breakers  *circuit.Manager
	throttle  *throttle.AdaptiveThrottling
	scheduler *scheduler.QueryPriorityScheduler[*ticket]
	pool      *pool.ResourcePoolManager
	selector  *selector
	retryer   *retry.Retryer
	now       func() time.Time

	// mu guards the node list and every node's counters
	mu    sync.RWMutex
	nodes []*DatabaseNode

	totalRequests atomic.Uint64
	succeeded     atomic.Uint64
	failed        atomic.Uint64
	retries       atomic.Uint64

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool
}

// New creates a balancer over config.Nodes. executor performs the actual
// query against a chosen node.
func New(config Config, executor types.QueryExecutor, opts ...Option) (*QueryLoadBalancer, error) {
	if executor == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "query executor is required").
			WithComponent("balancer")
	}

	defaults := DefaultConfig()
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if config.HealthyThreshold <= 0 {
		config.HealthyThreshold = defaults.HealthyThreshold
	}
	if config.Throttle == (throttle.Config{}) {
		config.Throttle = defaults.Throttle
	}
	if config.Pool.Size <= 0 {
		config.Pool.Size = defaults.Pool.Size
	}

	b := &QueryLoadBalancer{
		config:   config,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
		executor: executor,
		selector: newSelector(config.Strategy),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("balancer")

	var err error
	if b.throttle, err = throttle.New(config.Throttle, b.logger); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid throttle configuration").
			WithComponent("balancer")
	}
	if b.pool, err = pool.New(config.Pool, b.logger); err != nil {
		return nil, err
	}
	b.breakers = circuit.NewManager(config.CircuitBreaker, b.logger)
	b.scheduler = scheduler.New[*ticket](config.Scheduler, b.logger)
	b.retryer = retry.New(retry.Config{
		MaxAttempts:  config.MaxRetries + 1,
		InitialDelay: config.RetryBackoff,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       config.RetryBackoff > 0,
		RetryAll:     true,
	})

	for _, nc := range config.Nodes {
		if err := b.AddNode(nc); err != nil {
			_ = b.pool.Close()
			return nil, err
		}
	}

	b.logger.Info("load balancer created",
		zap.Stringer("strategy", config.Strategy),
		zap.Int("nodes", len(config.Nodes)),
		zap.Int("pool_size", config.Pool.Size))
	return b, nil
}

// ExecuteQuery runs req to completion and always returns a response. A
// failed response carries the error of the final attempt unchanged.
func (b *QueryLoadBalancer) ExecuteQuery(ctx context.Context, req *types.QueryRequest) *types.QueryResponse {
	start := b.now()
	b.totalRequests.Inc()

	if req == nil {
		b.failed.Inc()
		return &types.QueryResponse{
			Error: errors.NewError(errors.ErrCodeInvalidRequest, "request is nil").WithComponent("balancer"),
		}
	}

	ctx, span := b.tracer.Start(ctx, "balancer.ExecuteQuery",
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.String("request.priority", req.Priority.String()),
			attribute.String("balancer.strategy", b.config.Strategy.String()),
		),
	)
	defer span.End()

	resp := &types.QueryResponse{RequestID: req.ID}

	if !req.Priority.Valid() {
		resp.Error = errors.Newf(errors.ErrCodeInvalidRequest, "invalid priority %d", req.Priority).
			WithComponent("balancer").
			WithRequest(req.ID)
		return b.finish(span, req, resp, start)
	}

	maxRetries := req.MaxRetries
	if maxRetries < 0 {
		maxRetries = b.config.MaxRetries
	}

	retryer := b.retryer.WithMaxAttempts(maxRetries + 1).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		req.RetryCount++
		b.retries.Inc()
		b.logger.Debug("retrying query",
			zap.String("request_id", req.ID),
			zap.Int("retry", req.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(err))
	})

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		result, nodeID, err := b.attempt(ctx, req)
		resp.NodeID = nodeID
		if err != nil {
			return err
		}
		resp.Result = result
		return nil
	})

	resp.Error = err
	if err != nil && req.RetryCount >= maxRetries {
		b.logger.Warn("query failed after exhausting retries",
			zap.String("request_id", req.ID),
			zap.Int("retries", req.RetryCount),
			zap.Error(err))
	}
	return b.finish(span, req, resp, start)
}

func (b *QueryLoadBalancer) finish(span trace.Span, req *types.QueryRequest, resp *types.QueryResponse, start time.Time) *types.QueryResponse {
	resp.RetryCount = req.RetryCount
	resp.ExecutionTime = b.now().Sub(start)

	span.SetAttributes(
		attribute.Int("request.retries", resp.RetryCount),
		attribute.String("node.id", resp.NodeID),
	)
	if resp.Error != nil {
		b.failed.Inc()
		span.RecordError(resp.Error)
		span.SetStatus(codes.Error, resp.Error.Error())
	} else {
		b.succeeded.Inc()
		span.SetStatus(codes.Ok, "")
	}

	if b.observer != nil {
		b.observer.ObserveQuery(req, resp)
	}
	return resp
}

// attempt runs one pass of the pipeline and returns the id of the node it used
func (b *QueryLoadBalancer) attempt(ctx context.Context, req *types.QueryRequest) (any, string, error) {
	ctx, span := b.tracer.Start(ctx, "balancer.attempt",
		trace.WithAttributes(attribute.Int("request.retry", req.RetryCount)))
	defer span.End()

	var (
		result any
		nodeID string
	)
	err := b.throttle.Acquire(ctx, func(ctx context.Context) error {
		if err := b.awaitTurn(ctx, req.Priority); err != nil {
			return err
		}

		node, err := b.SelectNode(req)
		if err != nil {
			return err
		}
		nodeID = node.ID
		span.SetAttributes(attribute.String("node.id", node.ID))

		result, err = b.breakers.Get(node.ID).Call(ctx, func(ctx context.Context) (any, error) {
			return b.executeOnNode(ctx, node, req)
		})

		b.mu.Lock()
		node.record(err == nil)
		b.mu.Unlock()
		return err
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, nodeID, err
}

// awaitTurn enqueues the caller and releases whichever parked request the
// scheduler picks next. Every caller dequeues exactly once, so every ticket
// is eventually released.
func (b *QueryLoadBalancer) awaitTurn(ctx context.Context, priority types.Priority) error {
	t := &ticket{ready: make(chan struct{})}
	if err := b.scheduler.Enqueue(priority, t); err != nil {
		return err
	}
	if next, _, ok := b.scheduler.Dequeue(); ok {
		close(next.ready)
	}

	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// executeOnNode holds a pooled connection while the executor runs and
// tracks the node's connections and latency
func (b *QueryLoadBalancer) executeOnNode(ctx context.Context, node *DatabaseNode, req *types.QueryRequest) (any, error) {
	var result any
	err := b.pool.WithConnection(ctx, func(ctx context.Context, _ *pool.Connection) error {
		b.mu.Lock()
		node.begin()
		target := node.info()
		b.mu.Unlock()

		start := b.now()
		var err error
		result, err = b.executor.Execute(ctx, target, req)
		latency := b.now().Sub(start)

		b.mu.Lock()
		node.finish(latency)
		b.mu.Unlock()

		if b.observer != nil {
			b.observer.ObserveAttempt(target.ID, latency, err)
		}
		return err
	})
	return result, err
}

// SelectNode applies the strategy to the healthy, active nodes
func (b *QueryLoadBalancer) SelectNode(req *types.QueryRequest) (*DatabaseNode, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	candidates := make([]*DatabaseNode, 0, len(b.nodes))
	for _, n := range b.nodes {
		if n.Available() {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, errors.NewError(errors.ErrCodeNoAvailableNodes, "no healthy active nodes available").
			WithComponent("balancer").
			WithRequest(req.ID).
			WithDetail("registered", len(b.nodes))
	}
	return b.selector.pick(candidates, req), nil
}

// AddNode registers a node, healthy and active
func (b *QueryLoadBalancer) AddNode(cfg NodeConfig) error {
	if cfg.ID == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "node id is required").WithComponent("balancer")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, n := range b.nodes {
		if n.ID == cfg.ID {
			return errors.NewError(errors.ErrCodeNodeExists, "node already registered").
				WithComponent("balancer").
				WithNode(cfg.ID)
		}
	}
	b.nodes = append(b.nodes, NewDatabaseNode(cfg))
	b.logger.Info("node added", zap.String("node", cfg.ID), zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	return nil
}

// RemoveNode drops a node and its circuit breaker
func (b *QueryLoadBalancer) RemoveNode(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, n := range b.nodes {
		if n.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.breakers.Remove(id)
			b.logger.Info("node removed", zap.String("node", id))
			return nil
		}
	}
	return errors.NewError(errors.ErrCodeNodeNotFound, "node not registered").
		WithComponent("balancer").
		WithNode(id)
}

// SetNodeActive takes a node in or out of rotation without removing it
func (b *QueryLoadBalancer) SetNodeActive(id string, active bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, n := range b.nodes {
		if n.ID == id {
			n.IsActive = active
			b.logger.Info("node activity changed", zap.String("node", id), zap.Bool("active", active))
			return nil
		}
	}
	return errors.NewError(errors.ErrCodeNodeNotFound, "node not registered").
		WithComponent("balancer").
		WithNode(id)
}

// Nodes returns a snapshot of every registered node
func (b *QueryLoadBalancer) Nodes() []types.NodeStats {
	b.mu.RLock()
	stats := make([]types.NodeStats, 0, len(b.nodes))
	for _, n := range b.nodes {
		stats = append(stats, n.snapshot())
	}
	b.mu.RUnlock()

	breakers := b.breakers.Stats()
	for i := range stats {
		state := circuit.StateClosed
		if bs, ok := breakers[stats[i].ID]; ok {
			state = bs.State
		}
		stats[i].BreakerState = state.String()
	}
	return stats
}

// CheckHealth marks each node healthy iff its success rate is above the threshold
func (b *QueryLoadBalancer) CheckHealth() {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, n := range b.nodes {
		healthy := n.SuccessRate() > b.config.HealthyThreshold
		if healthy != n.IsHealthy {
			b.logger.Warn("node health changed",
				zap.String("node", n.ID),
				zap.Bool("healthy", healthy),
				zap.Float64("success_rate", n.SuccessRate()))
		}
		n.IsHealthy = healthy
		n.LastHealthCheck = now
	}
}

// Start launches the health-check loop. It runs until ctx ends or Stop is called.
func (b *QueryLoadBalancer) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.closed {
		return errors.ErrStopped
	}
	if b.cancel != nil {
		return nil
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.healthLoop(ctx, b.done)
	return nil
}

func (b *QueryLoadBalancer) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.CheckHealth()
		}
	}
}

// Stop halts the health-check loop and closes the connection pool. In-flight
// queries keep any connection they hold until they finish.
func (b *QueryLoadBalancer) Stop() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.cancel != nil {
		b.cancel()
		<-b.done
		b.cancel = nil
	}
	b.logger.Info("load balancer stopped")
	return b.pool.Close()
}

// GetStats returns a snapshot of the balancer and its nodes
func (b *QueryLoadBalancer) GetStats() types.BalancerStats {
	return types.BalancerStats{
		Strategy:      b.config.Strategy.String(),
		TotalRequests: b.totalRequests.Load(),
		Succeeded:     b.succeeded.Load(),
		Failed:        b.failed.Load(),
		Retries:       b.retries.Load(),
		Nodes:         b.Nodes(),
		Throttle:      b.throttle.Stats(),
		Queues:        b.scheduler.QueueSizes(),
		Pool:          b.pool.Stats(),
	}
}

// GetPoolStats returns the connection pool snapshot
func (b *QueryLoadBalancer) GetPoolStats() types.PoolStats {
	return b.pool.Stats()
}

// GetQueueSizes returns the scheduler queue depths
func (b *QueryLoadBalancer) GetQueueSizes() types.QueueSizes {
	return b.scheduler.QueueSizes()
}

// Breakers exposes the per-node circuit breakers
func (b *QueryLoadBalancer) Breakers() *circuit.Manager {
	return b.breakers
}

// IsRetriesExhausted reports whether resp failed after spending req's whole retry budget
func (b *QueryLoadBalancer) IsRetriesExhausted(req *types.QueryRequest, resp *types.QueryResponse) bool {
	maxRetries := req.MaxRetries
	if maxRetries < 0 {
		maxRetries = b.config.MaxRetries
	}
	return resp.RetriesExhausted(maxRetries)
}
