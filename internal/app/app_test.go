package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/objectfs/querycache/internal/balancer"
	"github.com/objectfs/querycache/internal/cache"
	"github.com/objectfs/querycache/internal/config"
	"github.com/objectfs/querycache/pkg/health"
	"github.com/objectfs/querycache/pkg/types"
	"github.com/objectfs/querycache/pkg/utils"
)

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Metrics.Enabled = false
	cfg.Cache.PrefetchStrategy = "none"
	cfg.Balancer.Nodes = []balancer.NodeConfig{
		{ID: "n1", Host: "db1", Port: 5432, Weight: 1},
		{ID: "n2", Host: "db2", Port: 5432, Weight: 1},
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Configuration, exec types.QueryExecutor) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, WithLogger(zap.NewNop()), WithExecutor(exec))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Shutdown(ctx))
	})
	return a
}

func TestQuery_MissThenHit(t *testing.T) {
	t.Parallel()
	calls := atomic.NewInt32(0)
	exec := types.QueryExecutorFunc(func(ctx context.Context, node types.Node, req *types.QueryRequest) (any, error) {
		calls.Inc()
		return []any{"row-1", "row-2"}, nil
	})
	a := newTestApp(t, testConfig(), exec)

	req := types.NewQueryRequest("", "SELECT * FROM users")
	first := a.Query(context.Background(), req)
	require.NoError(t, first.Error)
	assert.False(t, first.CacheHit)
	assert.NotEmpty(t, first.NodeID)

	second := a.Query(context.Background(), types.NewQueryRequest("", "  SELECT * FROM users"))
	require.NoError(t, second.Error)
	assert.True(t, second.CacheHit)
	assert.Equal(t, []any{"row-1", "row-2"}, second.Result)
	assert.Equal(t, int32(1), calls.Load())

	stats := a.Cache.GetStats()
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestQuery_WriteInvalidatesTags(t *testing.T) {
	t.Parallel()
	calls := atomic.NewInt32(0)
	exec := types.QueryExecutorFunc(func(ctx context.Context, node types.Node, req *types.QueryRequest) (any, error) {
		calls.Inc()
		return "ok", nil
	})
	a := newTestApp(t, testConfig(), exec)
	ctx := context.Background()

	read := types.NewQueryRequest("", "SELECT name FROM users WHERE id = $1")
	read.Params = map[string]any{"1": 7}
	read.Tags = []string{"users"}
	require.NoError(t, a.Query(ctx, read).Error)
	assert.True(t, a.Cache.Exists(CacheKey(read)))

	write := types.NewQueryRequest("", "UPDATE users SET name = 'x'")
	write.Tags = []string{"users"}
	resp := a.Query(ctx, write)
	require.NoError(t, resp.Error)
	assert.False(t, resp.CacheHit)
	assert.False(t, a.Cache.Exists(CacheKey(read)))

	again := types.NewQueryRequest("", "SELECT name FROM users WHERE id = $1")
	again.Params = map[string]any{"1": 7}
	assert.False(t, a.Query(ctx, again).CacheHit)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQuery_FailuresAreNotCached(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Balancer.MaxRetries = 0
	exec := types.QueryExecutorFunc(func(ctx context.Context, node types.Node, req *types.QueryRequest) (any, error) {
		return nil, errors.New("relation does not exist")
	})
	a := newTestApp(t, cfg, exec)

	req := types.NewQueryRequest("", "SELECT * FROM missing")
	req.MaxRetries = 0
	resp := a.Query(context.Background(), req)
	require.Error(t, resp.Error)
	assert.Contains(t, resp.Error.Error(), "relation does not exist")
	assert.False(t, a.Cache.Exists(CacheKey(req)))
}

func TestQuery_NilRequest(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(), types.QueryExecutorFunc(func(context.Context, types.Node, *types.QueryRequest) (any, error) {
		return nil, nil
	}))
	assert.Error(t, a.Query(context.Background(), nil).Error)
}

func TestPrefetch_UsesRecentRequest(t *testing.T) {
	t.Parallel()
	priorities := make(chan types.Priority, 4)
	exec := types.QueryExecutorFunc(func(ctx context.Context, node types.Node, req *types.QueryRequest) (any, error) {
		priorities <- req.Priority
		return int64(42), nil
	})
	a := newTestApp(t, testConfig(), exec)

	req := types.NewQueryRequest("", "SELECT 42")
	req.Priority = types.PriorityHigh
	key := CacheKey(req)

	_, err := a.prefetch(context.Background(), key)
	require.Error(t, err, "unknown keys cannot be prefetched")

	require.NoError(t, a.Query(context.Background(), req).Error)
	assert.Equal(t, types.PriorityHigh, <-priorities)

	b, err := a.prefetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, types.PriorityBackground, <-priorities)

	v, err := a.codec.Decode(b)
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
}

func TestQuery_RecentRequestIsDetached(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(), types.QueryExecutorFunc(func(context.Context, types.Node, *types.QueryRequest) (any, error) {
		return "ok", nil
	}))

	req := types.NewQueryRequest("", "SELECT * FROM orders WHERE id = $1")
	req.Params = map[string]any{"1": 5}
	req.Tags = []string{"orders"}
	key := CacheKey(req)
	require.NoError(t, a.Query(context.Background(), req).Error)
	assert.NotEmpty(t, req.ID, "the manager assigns an id to the caller's request")

	req.Params["1"] = 6
	req.Tags[0] = "changed"

	stored, ok := a.recent.Get(key)
	require.True(t, ok)
	assert.NotSame(t, req, stored)
	assert.Empty(t, stored.ID)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, 5, stored.Params["1"])
	assert.Equal(t, []string{"orders"}, stored.Tags)
	assert.Equal(t, key, CacheKey(stored))
}

func TestPrefetch_ConcurrentWithQueries(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Balancer.RetryBackoff = 0
	exec := types.QueryExecutorFunc(func(context.Context, types.Node, *types.QueryRequest) (any, error) {
		return nil, errors.New("deadlock detected")
	})
	a := newTestApp(t, cfg, exec)

	newReq := func() *types.QueryRequest {
		req := types.NewQueryRequest("", "SELECT * FROM accounts")
		req.Params = map[string]any{"limit": 10}
		req.MaxRetries = 2
		return req
	}
	key := CacheKey(newReq())
	require.Error(t, a.Query(context.Background(), newReq()).Error)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			req := newReq()
			_ = a.Query(context.Background(), req)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := a.prefetch(context.Background(), key)
			assert.Error(t, err)
		}
	}()
	wg.Wait()
}

func TestCacheKey(t *testing.T) {
	t.Parallel()
	a := types.NewQueryRequest("a", "SELECT 1")
	a.Params = map[string]any{"x": 1, "y": "two"}
	b := types.NewQueryRequest("b", " SELECT 1 ")
	b.Params = map[string]any{"y": "two", "x": 1}
	c := types.NewQueryRequest("c", "SELECT 1")
	c.Params = map[string]any{"x": 2, "y": "two"}

	assert.Equal(t, CacheKey(a), CacheKey(b))
	assert.NotEqual(t, CacheKey(a), CacheKey(c))
	assert.Regexp(t, `^q:[0-9a-f]{16}$`, CacheKey(a))
}

func TestIsRead(t *testing.T) {
	t.Parallel()
	for payload, want := range map[string]bool{
		"SELECT 1":                      true,
		"  select * from t":             true,
		"WITH x AS (SELECT 1) SELECT *": true,
		"EXPLAIN SELECT 1":              true,
		"INSERT INTO t VALUES (1)":      false,
		"delete from t":                 false,
		"":                              false,
	} {
		assert.Equal(t, want, IsRead(payload), payload)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Cache.Capacity = 0
	_, err := New(context.Background(), cfg, WithLogger(zap.NewNop()))
	assert.Error(t, err)
}

func TestNew_DefaultExecutor(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Executor.Driver = "sqlite3"
	cfg.Executor.DSNTemplate = "file:{id}?mode=memory&cache=shared"
	a, err := New(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.NotNil(t, a.Executor)
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestStartAndShutdown(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = "127.0.0.1:0"
	a, err := New(context.Background(), cfg, WithLogger(zap.NewNop()),
		WithExecutor(types.QueryExecutorFunc(func(context.Context, types.Node, *types.QueryRequest) (any, error) {
			return nil, nil
		})))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	assert.NoError(t, a.Shutdown(shutdownCtx))
}

func TestBuildL2(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name     string
		setup    func(cfg *config.Configuration)
		wantNil  bool
		wantName string
	}{
		{name: "none", setup: func(cfg *config.Configuration) {}, wantNil: true},
		{name: "memory", setup: func(cfg *config.Configuration) {
			cfg.Cache.L2.Provider = config.L2Memory
		}, wantName: "memory"},
		{name: "ristretto", setup: func(cfg *config.Configuration) {
			cfg.Cache.L2.Provider = config.L2Ristretto
		}},
		{name: "bigcache", setup: func(cfg *config.Configuration) {
			cfg.Cache.L2.Provider = config.L2BigCache
		}},
		{name: "disk", setup: func(cfg *config.Configuration) {
			cfg.Cache.L2.Provider = config.L2Disk
			cfg.Cache.L2.Disk.Directory = t.TempDir()
		}},
		{name: "redis", setup: func(cfg *config.Configuration) {
			cfg.Cache.L2.Provider = config.L2Redis
			cfg.Cache.L2.Redis.Addrs = []string{"127.0.0.1:1"}
		}},
		{name: "s3", setup: func(cfg *config.Configuration) {
			cfg.Cache.L2.Provider = config.L2S3
			cfg.Cache.L2.S3.Bucket = "cache"
			cfg.Cache.L2.S3.Endpoint = "http://127.0.0.1:1"
			cfg.Cache.L2.S3.AccessKeyID = "key"
			cfg.Cache.L2.S3.SecretAccessKey = "secret"
			cfg.Cache.L2.S3.ForcePathStyle = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefault()
			tt.setup(cfg)

			tier, err := BuildL2(ctx, cfg, zap.NewNop())
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, tier)
				return
			}
			require.NotNil(t, tier)
			if tt.wantName != "" {
				assert.Equal(t, tt.wantName, tier.Name())
			}
			assert.NoError(t, tier.Close(ctx))
		})
	}
}

func TestBuildL2_UnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := config.NewDefault()
	cfg.Cache.L2.Provider = "tape"
	_, err := BuildL2(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestBuildL2_MemoryRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := config.NewDefault()
	cfg.Cache.L2.Provider = config.L2Memory
	cfg.Cache.L2.Capacity = 8
	tier, err := BuildL2(context.Background(), cfg, nil)
	require.NoError(t, err)

	entry := cache.NewCacheEntry("k", []byte("v"), time.Minute, nil, time.Now())
	require.NoError(t, tier.Set(context.Background(), entry))
	got, ok, err := tier.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestHealth_Components(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Cache.L2.Provider = config.L2Ristretto
	cfg.Health.ErrorThreshold = 1
	a := newTestApp(t, cfg, types.QueryExecutorFunc(func(context.Context, types.Node, *types.QueryRequest) (any, error) {
		return nil, nil
	}))

	a.Health.CheckAll(context.Background())
	assert.Equal(t, health.StateHealthy, a.Health.Overall())

	names := make([]string, 0, 3)
	for _, c := range a.Health.Components() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"balancer", "l2", "manager"}, names)

	for _, n := range a.Balancer.Nodes() {
		require.NoError(t, a.Balancer.SetNodeActive(n.ID, false))
	}
	a.Health.CheckAll(context.Background())
	assert.Equal(t, health.StateDegraded, a.Health.State("balancer"))
	assert.Equal(t, health.StateDegraded, a.Health.Overall())
}

func TestNew_LoggerFromConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Global.LogFile = filepath.Join(t.TempDir(), "querycache.log")
	cfg.Global.LogRotation = &utils.RotationConfig{MaxSizeMB: 1, MaxBackups: 2}

	a, err := New(context.Background(), cfg,
		WithExecutor(types.QueryExecutorFunc(func(context.Context, types.Node, *types.QueryRequest) (any, error) {
			return nil, nil
		})))
	require.NoError(t, err)
	require.NoError(t, a.Shutdown(context.Background()))

	b, err := os.ReadFile(cfg.Global.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "query cache assembled")
}
