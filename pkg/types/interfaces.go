package types

import (
	"context"
)

// QueryExecutor runs a request against a backend node. Implementations must
// enforce request.Timeout themselves; a timeout is reported as an ordinary
// error.
type QueryExecutor interface {
	Execute(ctx context.Context, node Node, request *QueryRequest) (any, error)
}

// QueryExecutorFunc adapts a function to QueryExecutor
type QueryExecutorFunc func(ctx context.Context, node Node, request *QueryRequest) (any, error)

// Execute calls f
func (f QueryExecutorFunc) Execute(ctx context.Context, node Node, request *QueryRequest) (any, error) {
	return f(ctx, node, request)
}

// CacheValueProducer computes the value for a key after a cache miss
type CacheValueProducer interface {
	Compute(ctx context.Context, key string) ([]byte, error)
}

// CacheValueProducerFunc adapts a function to CacheValueProducer
type CacheValueProducerFunc func(ctx context.Context, key string) ([]byte, error)

// Compute calls f
func (f CacheValueProducerFunc) Compute(ctx context.Context, key string) ([]byte, error) {
	return f(ctx, key)
}

// StatsProvider exposes observability snapshots for scraping
type StatsProvider interface {
	GetStats() BalancerStats
	GetPoolStats() PoolStats
	GetQueueSizes() QueueSizes
}

// CacheStatsProvider exposes cache statistics
type CacheStatsProvider interface {
	GetStats() CacheStats
}
