// Package app assembles the cache, balancer, query manager and metrics
// server from a configuration and serves queries through them.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/objectfs/querycache/internal/balancer"
	"github.com/objectfs/querycache/internal/cache"
	"github.com/objectfs/querycache/internal/cache/codec"
	"github.com/objectfs/querycache/internal/config"
	"github.com/objectfs/querycache/internal/executor"
	"github.com/objectfs/querycache/internal/manager"
	"github.com/objectfs/querycache/internal/metrics"
	"github.com/objectfs/querycache/pkg/errors"
	"github.com/objectfs/querycache/pkg/health"
	"github.com/objectfs/querycache/pkg/types"
	"github.com/objectfs/querycache/pkg/utils"
)

// recentQueries bounds the key to request map used for prefetching
const recentQueries = 4096

// App is a running query cache
type App struct {
	Config   *config.Configuration
	Logger   *zap.Logger
	Cache    *cache.MultiLevelCache
	Executor types.QueryExecutor
	Balancer *balancer.QueryLoadBalancer
	Manager  *manager.ConcurrentQueryManager
	Metrics  *metrics.Collector
	Server   *metrics.Server
	Health   *health.Tracker

	codec  codec.Codec[any]
	recent *lru.Cache[string, *types.QueryRequest]
	tracer trace.TracerProvider
	l2     cache.Tier

	started    bool
	stopHealth context.CancelFunc
	healthDone chan struct{}
}

// Option configures New
type Option func(*App)

// WithLogger sets the logger. Without it New builds one from the
// configuration's global section.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		a.Logger = logger
	}
}

// WithExecutor replaces the SQL executor
func WithExecutor(exec types.QueryExecutor) Option {
	return func(a *App) {
		a.Executor = exec
	}
}

// WithTracerProvider sets the tracer used by the balancer
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *App) {
		a.tracer = tp
	}
}

// New validates cfg and wires every component. Nothing runs in the
// background until Start, except the cache prefetch workers and the manager
// sweeper.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, codec: codec.Msgpack[any]{}}
	for _, opt := range opts {
		opt(a)
	}

	if a.Logger == nil {
		logger, err := newLogger(cfg)
		if err != nil {
			return nil, err
		}
		a.Logger = logger
	}

	recent, err := lru.New[string, *types.QueryRequest](recentQueries)
	if err != nil {
		return nil, err
	}
	a.recent = recent

	if a.Metrics, err = metrics.NewCollector(&cfg.Metrics, a.Logger); err != nil {
		return nil, err
	}

	if a.Executor == nil {
		sqlExec, err := executor.New(cfg.Executor, a.Logger)
		if err != nil {
			return nil, err
		}
		a.Executor = sqlExec
	}

	balancerCfg, err := cfg.BalancerSettings()
	if err != nil {
		return nil, err
	}
	balancerOpts := []balancer.Option{balancer.WithLogger(a.Logger), balancer.WithObserver(a.Metrics)}
	if a.tracer != nil {
		balancerOpts = append(balancerOpts, balancer.WithTracerProvider(a.tracer))
	}
	if a.Balancer, err = balancer.New(balancerCfg, a.Executor, balancerOpts...); err != nil {
		return nil, a.closeOnError(err)
	}

	if a.Manager, err = manager.New(cfg.Manager, a.Balancer, a.Logger); err != nil {
		return nil, a.closeOnError(err)
	}

	cacheCfg, err := cfg.CacheSettings()
	if err != nil {
		return nil, a.closeOnError(err)
	}
	cacheOpts := []cache.Option{
		cache.WithLogger(a.Logger),
		cache.WithProducer(types.CacheValueProducerFunc(a.prefetch)),
	}
	l2, err := BuildL2(ctx, cfg, a.Logger)
	if err != nil {
		return nil, a.closeOnError(err)
	}
	if l2 != nil {
		a.l2 = l2
		cacheOpts = append(cacheOpts, cache.WithL2(l2))
	}
	if a.Cache, err = cache.NewMultiLevelCache(&cacheCfg, cacheOpts...); err != nil {
		if l2 != nil {
			_ = l2.Close(ctx)
		}
		return nil, a.closeOnError(err)
	}

	a.Metrics.WatchCache(a.Cache)
	a.Metrics.WatchBalancer(a.Balancer)
	a.Metrics.WatchManager(a.Manager)
	a.Health = a.newHealthTracker()
	a.Metrics.WatchHealth(a.Health)
	a.Server = metrics.NewServer(a.Metrics, metrics.DefaultServerConfig(), a.Logger)

	a.Logger.Info("query cache assembled",
		zap.String("strategy", cfg.Balancer.Strategy),
		zap.Int("nodes", len(cfg.Balancer.Nodes)),
		zap.String("l2", cfg.Cache.L2.Provider),
		zap.Int("capacity", cfg.Cache.Capacity))
	return a, nil
}

func newLogger(cfg *config.Configuration) (*zap.Logger, error) {
	logger, err := utils.NewLogger(cfg.LoggingConfig())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to build logger")
	}
	return logger, nil
}

// closeOnError releases whatever New built before failing
func (a *App) closeOnError(err error) error {
	if a.Manager != nil {
		_ = a.Manager.Shutdown(context.Background())
	}
	if a.Balancer != nil {
		_ = a.Balancer.Stop()
	}
	if c, ok := a.Executor.(io.Closer); ok {
		_ = c.Close()
	}
	return err
}

// Start launches the balancer health checks and the metrics server
func (a *App) Start(ctx context.Context) error {
	if err := a.Balancer.Start(ctx); err != nil {
		return err
	}
	if err := a.Server.Start(ctx); err != nil {
		return err
	}

	healthCtx, cancel := context.WithCancel(ctx)
	a.stopHealth = cancel
	a.healthDone = make(chan struct{})
	go func() {
		defer close(a.healthDone)
		a.Health.Run(healthCtx)
	}()

	a.started = true
	return nil
}

// newHealthTracker registers a probe per component: the balancer needs an
// available node, the L2 guard must not be open and the manager must have
// spare capacity
func (a *App) newHealthTracker() *health.Tracker {
	tracker := health.NewTracker(a.Config.Health, a.Logger)

	tracker.Register("balancer", func(context.Context) error {
		nodes := a.Balancer.Nodes()
		for _, n := range nodes {
			if n.IsHealthy && n.IsActive && n.BreakerState != "OPEN" {
				return nil
			}
		}
		return fmt.Errorf("none of %d nodes available", len(nodes))
	})

	tracker.Register("manager", func(context.Context) error {
		stats := a.Manager.GetStats()
		if stats.MaxConcurrent > 0 && stats.Active >= stats.MaxConcurrent {
			return fmt.Errorf("saturated with %d active queries", stats.Active)
		}
		return nil
	})

	if guarded, ok := a.l2.(interface{ BreakerState() string }); ok {
		tracker.Register("l2", func(context.Context) error {
			if state := guarded.BreakerState(); state == "open" {
				return fmt.Errorf("l2 %s guard is open", a.l2.Name())
			}
			return nil
		})
	}
	return tracker
}

// Query answers req from the cache when possible and otherwise runs it
// through the query manager. Successful reads are cached under CacheKey and
// tagged with req.Tags; successful writes invalidate those tags.
func (a *App) Query(ctx context.Context, req *types.QueryRequest) *types.QueryResponse {
	if req == nil {
		return &types.QueryResponse{Error: errors.NewError(errors.ErrCodeInvalidRequest, "request is nil")}
	}
	start := time.Now()
	read := IsRead(req.Payload)
	key := CacheKey(req)

	if read {
		a.recent.Add(key, recentCopy(req))
		if b, ok := a.Cache.Get(ctx, key, req.UserID); ok {
			result, err := a.codec.Decode(b)
			if err == nil {
				resp := &types.QueryResponse{
					RequestID:     req.ID,
					Result:        result,
					ExecutionTime: time.Since(start),
					CacheHit:      true,
				}
				a.Metrics.ObserveQuery(req, resp)
				return resp
			}
			a.Logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
			a.Cache.Invalidate(ctx, key)
		}
	}

	resp, err := a.Manager.SubmitAndWait(ctx, req, a.waitTimeout(req))
	if err != nil {
		a.Metrics.RecordError(err)
		return &types.QueryResponse{RequestID: req.ID, Error: err, ExecutionTime: time.Since(start)}
	}
	if resp.Error != nil {
		return resp
	}

	if read {
		if b, err := a.codec.Encode(resp.Result); err == nil {
			a.Cache.Set(ctx, key, b, a.Config.Cache.DefaultTTL, req.Tags...)
		} else {
			a.Logger.Debug("result not cacheable", zap.String("request_id", req.ID), zap.Error(err))
		}
	} else if len(req.Tags) > 0 {
		n := a.Cache.InvalidateByTag(ctx, req.Tags...)
		a.Logger.Debug("invalidated by write", zap.Strings("tags", req.Tags), zap.Int("entries", n))
	}
	return resp
}

// waitTimeout covers every attempt of req plus backoff slack
func (a *App) waitTimeout(req *types.QueryRequest) time.Duration {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = types.DefaultQueryTimeout
	}
	retries := req.MaxRetries
	if retries < 0 {
		retries = a.Config.Balancer.MaxRetries
	}
	return timeout*time.Duration(retries+1) + a.Config.Balancer.RetryBackoff*time.Duration(1<<min(retries, 10))
}

// prefetch recomputes a recently seen read at background priority
func (a *App) prefetch(ctx context.Context, key string) ([]byte, error) {
	orig, ok := a.recent.Get(key)
	if !ok {
		return nil, fmt.Errorf("no recent query for key %s", key)
	}
	req := recentCopy(orig)
	req.ID = "prefetch-" + uuid.NewString()
	req.Priority = types.PriorityBackground
	req.CreatedAt = time.Now()

	resp := a.Balancer.ExecuteQuery(ctx, req)
	if resp.Error != nil {
		return nil, resp.Error
	}
	return a.codec.Encode(resp.Result)
}

// recentCopy keeps what a prefetch needs to rerun req. The caller's request
// is written by the manager and balancer while it runs, so the copy shares no
// mutable state with it.
func recentCopy(req *types.QueryRequest) *types.QueryRequest {
	return &types.QueryRequest{
		Payload:    req.Payload,
		Params:     maps.Clone(req.Params),
		Priority:   req.Priority,
		Timeout:    req.Timeout,
		MaxRetries: req.MaxRetries,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Tags:       slices.Clone(req.Tags),
	}
}

// Shutdown stops accepting queries, waits for in-flight ones and releases
// every component
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.stopHealth != nil {
		a.stopHealth()
		<-a.healthDone
	}
	if err := a.Manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("manager: %w", err))
	}
	if err := a.Balancer.Stop(); err != nil && !stderrors.Is(err, errors.ErrStopped) {
		errs = append(errs, fmt.Errorf("balancer: %w", err))
	}
	if err := a.Cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if c, ok := a.Executor.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("executor: %w", err))
		}
	}
	if a.started {
		if err := a.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	_ = a.Logger.Sync()
	return stderrors.Join(errs...)
}

// CacheKey identifies a query result by its payload and parameters
func CacheKey(req *types.QueryRequest) string {
	h := xxhash.New()
	_, _ = h.WriteString(strings.TrimSpace(req.Payload))

	names := make([]string, 0, len(req.Params))
	for name := range req.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(h, "\x00%s=%v", name, req.Params[name])
	}
	return fmt.Sprintf("q:%016x", h.Sum64())
}

// IsRead reports whether payload is a statement whose result may be cached
func IsRead(payload string) bool {
	p := strings.ToUpper(strings.TrimSpace(payload))
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "EXPLAIN"} {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
