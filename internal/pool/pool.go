// Package pool provides a fixed-size pool of backend connection handles.
package pool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/querycache/pkg/errors"
	"github.com/objectfs/querycache/pkg/types"
)

// Connection is a pooled handle. Resource is whatever the factory produced;
// the pool never inspects it.
type Connection struct {
	ID       int
	Resource any
	Created  time.Time
}

// Factory creates the resource behind handle id
type Factory func(id int) (any, error)

// Config configures a ResourcePoolManager
type Config struct {
	// Number of handles created up front
	Size int `yaml:"size" validate:"min=1"`

	// Upper bound on a single acquisition wait; zero waits on the context only
	AcquireTimeout time.Duration `yaml:"acquire_timeout" validate:"min=0"`

	Factory Factory `yaml:"-"`
}

// DefaultConfig returns a 10 handle pool with a 30s acquire timeout
func DefaultConfig() Config {
	return Config{
		Size:           10,
		AcquireTimeout: 30 * time.Second,
	}
}

// ResourcePoolManager hands out a fixed set of pre-created connections.
// Acquisition blocks while every handle is in use.
type ResourcePoolManager struct {
	config Config
	logger *zap.Logger

	connections chan *Connection
	done        chan struct{}

	mu     sync.Mutex
	closed bool
	stats  types.PoolStats
}

// New creates the pool and populates every handle
func New(config Config, logger *zap.Logger) (*ResourcePoolManager, error) {
	if config.Size <= 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "pool size must be positive").
			WithComponent("pool").
			WithDetail("size", config.Size)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &ResourcePoolManager{
		config:      config,
		logger:      logger.Named("pool"),
		connections: make(chan *Connection, config.Size),
		done:        make(chan struct{}),
		stats: types.PoolStats{
			Size:        config.Size,
			HandleUsage: make(map[int]int64, config.Size),
		},
	}

	for id := 0; id < config.Size; id++ {
		conn := &Connection{ID: id, Created: time.Now()}
		if config.Factory != nil {
			resource, err := config.Factory(id)
			if err != nil {
				p.closeAll()
				return nil, fmt.Errorf("failed to create connection %d: %w", id, err)
			}
			conn.Resource = resource
		}
		p.connections <- conn
		p.stats.HandleUsage[id] = 0
	}

	p.logger.Debug("pool created", zap.Int("size", config.Size))
	return p, nil
}

// Acquire takes a handle, waiting until one is free, ctx ends, the acquire
// timeout passes or the pool closes. Every acquired handle must be released.
func (p *ResourcePoolManager) Acquire(ctx context.Context) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case conn := <-p.connections:
		return p.checkout(conn), nil
	default:
	}

	p.mu.Lock()
	p.stats.Waits++
	p.mu.Unlock()

	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	select {
	case conn := <-p.connections:
		return p.checkout(conn), nil
	case <-p.done:
		return nil, errors.ErrPoolClosed
	case <-ctx.Done():
		p.mu.Lock()
		p.stats.Timeouts++
		p.mu.Unlock()
		return nil, errors.Wrap(ctx.Err(), errors.ErrCodeResourceExhausted, "timed out waiting for a connection").
			WithComponent("pool")
	}
}

func (p *ResourcePoolManager) checkout(conn *Connection) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Active++
	p.stats.TotalAcquired++
	p.stats.HandleUsage[conn.ID]++
	return conn
}

// Release returns a handle to the pool. Handles released after Close are closed.
func (p *ResourcePoolManager) Release(conn *Connection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Active--
	if p.closed {
		closeResource(conn)
		return
	}
	// capacity equals Size, so this never blocks
	p.connections <- conn
}

// WithConnection runs fn with an acquired handle and releases it on every exit path
func (p *ResourcePoolManager) WithConnection(ctx context.Context, fn func(context.Context, *Connection) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)

	return fn(ctx, conn)
}

// Stats returns current pool statistics
func (p *ResourcePoolManager) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Available = len(p.connections)
	stats.Closed = p.closed
	stats.HandleUsage = make(map[int]int64, len(p.stats.HandleUsage))
	for id, n := range p.stats.HandleUsage {
		stats.HandleUsage[id] = n
	}
	return stats
}

// Size returns the number of handles the pool owns
func (p *ResourcePoolManager) Size() int {
	return p.config.Size
}

// Close wakes blocked acquirers and closes idle resources. Handles still
// checked out are closed as they are released.
func (p *ResourcePoolManager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.closeAll()
	p.logger.Debug("pool closed")
	return nil
}

func (p *ResourcePoolManager) closeAll() {
	for {
		select {
		case conn := <-p.connections:
			closeResource(conn)
		default:
			return
		}
	}
}

func closeResource(conn *Connection) {
	if closer, ok := conn.Resource.(io.Closer); ok {
		_ = closer.Close()
	}
}
