/*
Package config loads and validates querycache configuration.

Sources are applied in order, later ones winning:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│   (QUERYCACHE_*, optionally from .env)      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

# Sections

	global           log level, format, file and optional size rotation
	cache            ARC capacity, eviction and prefetch strategy tags, l2 provider
	circuit_breaker  per-node breaker thresholds
	throttle         adaptive limit bounds and window
	scheduler        per-priority weights
	pool             resource pool size and acquire timeout
	balancer         strategy, retry budget, health loop, nodes
	manager          global concurrency, result polling and expiry
	executor         database/sql driver and per-node DSN template
	metrics          Prometheus namespace and listen address
	health           component degradation thresholds and probe interval

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("querycache.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Strategy tags stay strings in YAML and are parsed into closed enums by
CacheSettings and BalancerSettings; Validate rejects unknown tags. Unknown
YAML keys are rejected by LoadFromFile.

A minimal file:

	balancer:
	  strategy: least_connections
	  nodes:
	    - {id: primary, host: db1.internal, port: 5432, weight: 3}
	    - {id: replica, host: db2.internal, port: 5432, weight: 1}
	cache:
	  capacity: 5000
	  prefetch_strategy: sequential
	  l2:
	    provider: redis
	    redis:
	      addrs: ["cache.internal:6379"]
*/
package config
