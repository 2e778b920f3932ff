/*
Package metrics exports query, cache and balancer telemetry.

# Overview

Collector owns a private Prometheus registry. Query outcomes are pushed into
it by the balancer (Collector implements balancer.Observer); cache, balancer
and manager state is pulled from their snapshot methods whenever Update runs.

	collector, err := metrics.NewCollector(metrics.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	lb, err := balancer.New(cfg, exec, balancer.WithObserver(collector))
	...
	collector.WatchCache(cache)
	collector.WatchBalancer(lb)
	collector.WatchManager(mgr)

	srv := metrics.NewServer(collector, metrics.DefaultServerConfig(), logger)
	_ = srv.Start(ctx)

# Endpoints

	/metrics          Prometheus exposition, gauges refreshed on every scrape
	/healthz          with WatchHealth, the tracker's overall state (503 when unavailable);
	                  otherwise 200 while at least one node is healthy, active and not open
	/stats/cache      types.CacheStats
	/stats/balancer   types.BalancerStats
	/stats/pool       types.PoolStats
	/stats/queues     queued requests per priority
	/stats/manager    types.ManagerStats
	/stats/queries    per-priority outcome tracking

# Metric names

All names are prefixed with Namespace (default "querycache"):

	queries_total{priority,status}         counter
	query_duration_seconds{priority}       histogram
	query_retries_total{priority}          counter
	node_attempts_total{node,status}       counter
	node_attempt_duration_seconds{node}    histogram
	errors_total{code}                     counter
	cache_{hits,misses,...}_total          counter, read from CacheStats at scrape
	cache_entries, cache_size_bytes, cache_hit_ratio, cache_arc_list_size{list}
	breaker_state{node}                    0 closed, 1 half-open, 2 open
	node_available{node}, node_connections{node}, node_load_score{node}
	throttle_limit, throttle_in_flight, pool_active, pool_available
	queue_depth{priority}
	manager_active_queries, manager_stored_results

A disabled collector accepts every call and records nothing.
*/
package metrics
