package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/objectfs/querycache/pkg/errors"
	"github.com/objectfs/querycache/pkg/health"
	"github.com/objectfs/querycache/pkg/types"
)

// Collector records query outcomes pushed by the balancer and mirrors the
// cache, balancer and manager snapshots into Prometheus metrics.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	// Query outcomes
	queryCounter    *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	retryCounter    *prometheus.CounterVec
	attemptCounter  *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	errorCounter    *prometheus.CounterVec

	// Cache
	cacheEvents  *cacheEventCollector
	cacheEntries prometheus.Gauge
	cacheSize    prometheus.Gauge
	cacheHitRate prometheus.Gauge
	arcLists     *prometheus.GaugeVec

	// Balancer
	breakerState     *prometheus.GaugeVec
	nodeHealthy      *prometheus.GaugeVec
	nodeConnections  *prometheus.GaugeVec
	nodeLoadScore    *prometheus.GaugeVec
	throttleLimit    prometheus.Gauge
	throttleInFlight prometheus.Gauge
	poolActive       prometheus.Gauge
	poolAvailable    prometheus.Gauge
	queueDepth       *prometheus.GaugeVec

	// Manager
	managerActive prometheus.Gauge
	managerStored prometheus.Gauge

	componentHealth *prometheus.GaugeVec

	// Snapshot sources
	cache    types.CacheStatsProvider
	balancer types.StatsProvider
	manager  ManagerStatsProvider
	health   HealthReporter

	// Internal tracking
	queries   map[types.Priority]*QueryMetrics
	lastReset time.Time
}

// ManagerStatsProvider is satisfied by *manager.ConcurrentQueryManager
type ManagerStatsProvider interface {
	GetStats() types.ManagerStats
}

// HealthReporter is satisfied by *health.Tracker
type HealthReporter interface {
	Overall() health.State
	Components() []health.ComponentHealth
}

// Config represents metrics configuration
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Address        string            `yaml:"address"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval" validate:"min=0"`
}

// DefaultConfig returns the stock metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Address:        ":9090",
		Path:           "/metrics",
		Namespace:      "querycache",
		UpdateInterval: 15 * time.Second,
		Labels:         make(map[string]string),
	}
}

// QueryMetrics tracks outcomes for one priority class
type QueryMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	Retries       int64         `json:"retries"`
	CacheHits     int64         `json:"cache_hits"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastQuery     time.Time     `json:"last_query"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}

	collector := &Collector{
		config:    config,
		registry:  prometheus.NewRegistry(),
		logger:    logger.Named("metrics"),
		queries:   make(map[types.Priority]*QueryMetrics),
		lastReset: time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to register metrics").
			WithComponent("metrics")
	}

	return collector, nil
}

// Enabled reports whether the collector records anything
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Registry returns the Prometheus registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// WatchCache sets the cache whose stats are mirrored on each update
func (c *Collector) WatchCache(p types.CacheStatsProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = p
	if c.cacheEvents != nil {
		c.cacheEvents.setSource(p)
	}
}

// WatchBalancer sets the balancer whose stats are mirrored on each update
func (c *Collector) WatchBalancer(p types.StatsProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balancer = p
}

// WatchManager sets the manager whose stats are mirrored on each update
func (c *Collector) WatchManager(p ManagerStatsProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manager = p
}

// WatchHealth sets the component tracker that drives /healthz
func (c *Collector) WatchHealth(h HealthReporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = h
}

// ObserveAttempt records one executor call on a node
func (c *Collector) ObserveAttempt(nodeID string, latency time.Duration, err error) {
	if !c.config.Enabled {
		return
	}

	c.attemptCounter.With(prometheus.Labels{
		"node":   nodeID,
		"status": status(err),
	}).Inc()
	c.attemptDuration.With(prometheus.Labels{"node": nodeID}).Observe(latency.Seconds())
}

// ObserveQuery records the terminal outcome of a request
func (c *Collector) ObserveQuery(req *types.QueryRequest, resp *types.QueryResponse) {
	if !c.config.Enabled || req == nil || resp == nil {
		return
	}

	priority := req.Priority.String()
	c.queryCounter.With(prometheus.Labels{
		"priority": priority,
		"status":   status(resp.Error),
	}).Inc()
	c.queryDuration.With(prometheus.Labels{"priority": priority}).Observe(resp.ExecutionTime.Seconds())
	if resp.RetryCount > 0 {
		c.retryCounter.With(prometheus.Labels{"priority": priority}).Add(float64(resp.RetryCount))
	}
	if resp.Error != nil {
		c.RecordError(resp.Error)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.queries[req.Priority]
	if !ok {
		m = &QueryMetrics{}
		c.queries[req.Priority] = m
	}
	m.Count++
	m.TotalDuration += resp.ExecutionTime
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.Retries += int64(resp.RetryCount)
	m.LastQuery = time.Now()
	if resp.Error != nil {
		m.Errors++
	}
	if resp.CacheHit {
		m.CacheHits++
	}
}

// RecordError counts err under its error code
func (c *Collector) RecordError(err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{"code": string(errors.CodeOf(err))}).Inc()
}

// Update copies the current snapshots of every watched component into gauges
func (c *Collector) Update() {
	if !c.config.Enabled {
		return
	}

	c.mu.RLock()
	cache, balancer, manager, tracker := c.cache, c.balancer, c.manager, c.health
	c.mu.RUnlock()

	if cache != nil {
		c.updateCache(cache.GetStats())
	}
	if balancer != nil {
		c.updateBalancer(balancer.GetStats())
	}
	if manager != nil {
		stats := manager.GetStats()
		c.managerActive.Set(float64(stats.Active))
		c.managerStored.Set(float64(stats.Stored))
	}
	if tracker != nil {
		for _, comp := range tracker.Components() {
			c.componentHealth.With(prometheus.Labels{"component": comp.Name}).Set(float64(comp.State))
		}
	}
}

func (c *Collector) updateCache(stats types.CacheStats) {
	c.cacheEntries.Set(float64(stats.Entries))
	c.cacheSize.Set(float64(stats.Size))
	c.cacheHitRate.Set(stats.HitRate)
	c.arcLists.With(prometheus.Labels{"list": "t1"}).Set(float64(stats.T1))
	c.arcLists.With(prometheus.Labels{"list": "t2"}).Set(float64(stats.T2))
	c.arcLists.With(prometheus.Labels{"list": "b1"}).Set(float64(stats.B1))
	c.arcLists.With(prometheus.Labels{"list": "b2"}).Set(float64(stats.B2))
	c.arcLists.With(prometheus.Labels{"list": "p"}).Set(float64(stats.P))
}

func (c *Collector) updateBalancer(stats types.BalancerStats) {
	// removed nodes must not linger
	c.breakerState.Reset()
	c.nodeHealthy.Reset()
	c.nodeConnections.Reset()
	c.nodeLoadScore.Reset()

	for _, n := range stats.Nodes {
		labels := prometheus.Labels{"node": n.ID}
		c.breakerState.With(labels).Set(breakerValue(n.BreakerState))
		c.nodeHealthy.With(labels).Set(boolValue(n.IsHealthy && n.IsActive))
		c.nodeConnections.With(labels).Set(float64(n.CurrentConnections))
		c.nodeLoadScore.With(labels).Set(n.LoadScore)
	}

	c.throttleLimit.Set(float64(stats.Throttle.CurrentLimit))
	c.throttleInFlight.Set(float64(stats.Throttle.InFlight))
	c.poolActive.Set(float64(stats.Pool.Active))
	c.poolAvailable.Set(float64(stats.Pool.Available))
	for _, p := range types.Priorities {
		c.queueDepth.With(prometheus.Labels{"priority": p.String()}).Set(float64(stats.Queues[p.String()]))
	}
}

// GetQueryMetrics returns a copy of the per-priority outcome tracking
func (c *Collector) GetQueryMetrics() map[string]QueryMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]QueryMetrics, len(c.queries))
	for p, m := range c.queries {
		out[p.String()] = *m
	}
	return out
}

// ResetMetrics clears the per-priority tracking. Prometheus series are left alone.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queries = make(map[types.Priority]*QueryMetrics)
	c.lastReset = time.Now()
}

// LastReset returns when the per-priority tracking was last cleared
func (c *Collector) LastReset() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReset
}

// Helper methods

func (c *Collector) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, labels)
}

func (c *Collector) gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	})
}

func (c *Collector) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, labels)
}

func (c *Collector) initMetrics() {
	c.queryCounter = c.counterVec("queries_total", "Completed queries by priority and outcome", "priority", "status")
	c.queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "query_duration_seconds",
		Help:        "End-to-end query latency including retries",
		Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		ConstLabels: c.config.Labels,
	}, []string{"priority"})
	c.retryCounter = c.counterVec("query_retries_total", "Retries spent by completed queries", "priority")
	c.attemptCounter = c.counterVec("node_attempts_total", "Executor calls by node and outcome", "node", "status")
	c.attemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "node_attempt_duration_seconds",
		Help:        "Executor latency per node",
		Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 15),
		ConstLabels: c.config.Labels,
	}, []string{"node"})
	c.errorCounter = c.counterVec("errors_total", "Failed queries by error code", "code")

	c.cacheEvents = newCacheEventCollector(c.config)
	c.cacheEntries = c.gauge("cache_entries", "Entries resident in the L1 cache")
	c.cacheSize = c.gauge("cache_size_bytes", "Bytes held by L1 cache entries")
	c.cacheHitRate = c.gauge("cache_hit_ratio", "Cache hits over lookups")
	c.arcLists = c.gaugeVec("cache_arc_list_size", "ARC list lengths and adaptive target p", "list")

	c.breakerState = c.gaugeVec("breaker_state", "Circuit breaker state per node (0 closed, 1 half-open, 2 open)", "node")
	c.nodeHealthy = c.gaugeVec("node_available", "1 when the node is healthy and active", "node")
	c.nodeConnections = c.gaugeVec("node_connections", "In-flight executions per node", "node")
	c.nodeLoadScore = c.gaugeVec("node_load_score", "Adaptive load score per node", "node")
	c.throttleLimit = c.gauge("throttle_limit", "Current adaptive concurrency limit")
	c.throttleInFlight = c.gauge("throttle_in_flight", "Attempts holding a throttle slot")
	c.poolActive = c.gauge("pool_active", "Resource pool handles in use")
	c.poolAvailable = c.gauge("pool_available", "Idle resource pool handles")
	c.queueDepth = c.gaugeVec("queue_depth", "Requests waiting for a scheduler turn", "priority")

	c.managerActive = c.gauge("manager_active_queries", "Submitted queries without a stored result")
	c.managerStored = c.gauge("manager_stored_results", "Results waiting to be fetched")

	c.componentHealth = c.gaugeVec("component_health", "Component state (0 healthy, 1 degraded, 2 unavailable)", "component")
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.queryCounter,
		c.queryDuration,
		c.retryCounter,
		c.attemptCounter,
		c.attemptDuration,
		c.errorCounter,
		c.cacheEvents,
		c.cacheEntries,
		c.cacheSize,
		c.cacheHitRate,
		c.arcLists,
		c.breakerState,
		c.nodeHealthy,
		c.nodeConnections,
		c.nodeLoadScore,
		c.throttleLimit,
		c.throttleInFlight,
		c.poolActive,
		c.poolAvailable,
		c.queueDepth,
		c.managerActive,
		c.managerStored,
		c.componentHealth,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func breakerValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

// cacheEventCollector reports the cache's cumulative counters as Prometheus
// counters, read at scrape time.
type cacheEventCollector struct {
	mu     sync.RWMutex
	source types.CacheStatsProvider
	descs  map[string]*prometheus.Desc
}

var cacheEvents = []string{"hits", "misses", "l1_hits", "l2_hits", "evictions", "demotions", "expirations", "prefetches", "prefetch_hits"}

func newCacheEventCollector(config *Config) *cacheEventCollector {
	descs := make(map[string]*prometheus.Desc, len(cacheEvents))
	for _, event := range cacheEvents {
		descs[event] = prometheus.NewDesc(
			prometheus.BuildFQName(config.Namespace, config.Subsystem, "cache_"+event+"_total"),
			"Cumulative cache "+event,
			nil,
			config.Labels,
		)
	}
	return &cacheEventCollector{descs: descs}
}

func (e *cacheEventCollector) setSource(p types.CacheStatsProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = p
}

// Describe implements prometheus.Collector
func (e *cacheEventCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, event := range cacheEvents {
		ch <- e.descs[event]
	}
}

// Collect implements prometheus.Collector
func (e *cacheEventCollector) Collect(ch chan<- prometheus.Metric) {
	e.mu.RLock()
	source := e.source
	e.mu.RUnlock()
	if source == nil {
		return
	}

	stats := source.GetStats()
	values := map[string]uint64{
		"hits":          stats.Hits,
		"misses":        stats.Misses,
		"l1_hits":       stats.L1Hits,
		"l2_hits":       stats.L2Hits,
		"evictions":     stats.Evictions,
		"demotions":     stats.Demotions,
		"expirations":   stats.Expirations,
		"prefetches":    stats.Prefetches,
		"prefetch_hits": stats.PrefetchHits,
	}
	for _, event := range cacheEvents {
		ch <- prometheus.MustNewConstMetric(e.descs[event], prometheus.CounterValue, float64(values[event]))
	}
}
