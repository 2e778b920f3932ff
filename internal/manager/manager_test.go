package manager

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/objectfs/querycache/pkg/errors"
	"github.com/objectfs/querycache/pkg/types"
)

// gatedExecutor blocks every query until release is closed
type gatedExecutor struct {
	release chan struct{}
	current atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
	err     error
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{release: make(chan struct{})}
}

func (e *gatedExecutor) ExecuteQuery(_ context.Context, req *types.QueryRequest) *types.QueryResponse {
	e.calls.Inc()
	n := e.current.Inc()
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-e.release
	e.current.Dec()
	return &types.QueryResponse{RequestID: req.ID, Result: req.Payload, Error: e.err}
}

type funcExecutor func(ctx context.Context, req *types.QueryRequest) *types.QueryResponse

func (f funcExecutor) ExecuteQuery(ctx context.Context, req *types.QueryRequest) *types.QueryResponse {
	return f(ctx, req)
}

func newTestManager(t *testing.T, cfg Config, exec Executor) *ConcurrentQueryManager {
	t.Helper()
	m, err := New(cfg, exec, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestNew_RequiresExecutor(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestSubmit_AssignsIDAndReturnsImmediately(t *testing.T) {
	exec := newGatedExecutor()
	m := newTestManager(t, DefaultConfig(), exec)

	req := &types.QueryRequest{Payload: "SELECT 1"}
	id, err := m.Submit(req)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, id, req.ID)
	assert.False(t, req.CreatedAt.IsZero())

	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, m.IsActive(id))
	assert.Equal(t, 1, m.ActiveCount())

	close(exec.release)
	resp, err := m.GetResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", resp.Result)
	assert.Equal(t, 0, m.ActiveCount())

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Equal(t, 0, stats.Stored, "fetched results are removed")
}

func TestSubmit_Errors(t *testing.T) {
	exec := newGatedExecutor()
	m := newTestManager(t, DefaultConfig(), exec)

	_, err := m.Submit(nil)
	assert.Equal(t, errors.ErrCodeInvalidRequest, errors.CodeOf(err))

	_, err = m.Submit(&types.QueryRequest{ID: "dup"})
	require.NoError(t, err)
	_, err = m.Submit(&types.QueryRequest{ID: "dup"})
	assert.Equal(t, errors.ErrCodeInvalidRequest, errors.CodeOf(err))
	close(exec.release)
}

func TestSubmit_RejectsUnfetchedResultID(t *testing.T) {
	exec := funcExecutor(func(_ context.Context, req *types.QueryRequest) *types.QueryResponse {
		return &types.QueryResponse{RequestID: req.ID, Result: req.Payload}
	})
	m := newTestManager(t, DefaultConfig(), exec)

	_, err := m.Submit(&types.QueryRequest{ID: "q1", Payload: "first"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.GetStats().Stored == 1 }, time.Second, time.Millisecond)

	_, err = m.Submit(&types.QueryRequest{ID: "q1", Payload: "second"})
	assert.Equal(t, errors.ErrCodeInvalidRequest, errors.CodeOf(err))

	resp, err := m.GetResult(context.Background(), "q1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Result)

	_, err = m.Submit(&types.QueryRequest{ID: "q1", Payload: "third"})
	require.NoError(t, err, "a fetched id may be reused")
	resp, err = m.GetResult(context.Background(), "q1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "third", resp.Result)
}

func TestManager_BoundsConcurrency(t *testing.T) {
	exec := newGatedExecutor()
	cfg := DefaultConfig()
	cfg.MaxConcurrentQueries = 3
	m := newTestManager(t, cfg, exec)

	ids := make([]string, 10)
	for i := range ids {
		id, err := m.Submit(&types.QueryRequest{})
		require.NoError(t, err)
		ids[i] = id
	}

	require.Eventually(t, func() bool { return exec.current.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(3), exec.current.Load())
	assert.Equal(t, 10, m.ActiveCount())

	close(exec.release)
	for _, id := range ids {
		_, err := m.GetResult(context.Background(), id, time.Second)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, exec.peak.Load(), int32(3))
}

func TestGetResult_TimeoutDoesNotCancel(t *testing.T) {
	exec := newGatedExecutor()
	m := newTestManager(t, DefaultConfig(), exec)

	var seenCtxErr atomic.Bool
	m.executor = funcExecutor(func(ctx context.Context, req *types.QueryRequest) *types.QueryResponse {
		resp := exec.ExecuteQuery(ctx, req)
		seenCtxErr.Store(ctx.Err() != nil)
		return resp
	})

	id, err := m.Submit(&types.QueryRequest{Payload: "slow"})
	require.NoError(t, err)

	_, err = m.GetResult(context.Background(), id, 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrResultTimeout)
	assert.True(t, m.IsActive(id), "query keeps running after the caller gave up")

	close(exec.release)
	resp, err := m.GetResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "slow", resp.Result)
	assert.False(t, seenCtxErr.Load())
}

func TestGetResult_UnknownIDTimesOut(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), newGatedExecutor())

	start := time.Now()
	_, err := m.GetResult(context.Background(), "missing", 30*time.Millisecond)
	assert.Equal(t, errors.ErrCodeResultTimeout, errors.CodeOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.GetResult(ctx, "missing", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmitAndWait_FailedResponse(t *testing.T) {
	boom := stderrors.New("boom")
	m := newTestManager(t, DefaultConfig(), funcExecutor(func(_ context.Context, req *types.QueryRequest) *types.QueryResponse {
		return &types.QueryResponse{RequestID: req.ID, Error: boom}
	}))

	resp, err := m.SubmitAndWait(context.Background(), &types.QueryRequest{ID: "q"}, time.Second)
	require.NoError(t, err)
	assert.Same(t, boom, resp.Error)
	assert.Equal(t, uint64(1), m.GetStats().Failed)
}

func TestManager_RecoversExecutorPanic(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), funcExecutor(func(context.Context, *types.QueryRequest) *types.QueryResponse {
		panic("driver bug")
	}))

	resp, err := m.SubmitAndWait(context.Background(), &types.QueryRequest{ID: "p"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, errors.ErrCodeInternalError, errors.CodeOf(resp.Error))
	assert.Equal(t, "p", resp.RequestID)

	resp, err = m.SubmitAndWait(context.Background(), &types.QueryRequest{ID: "n"}, time.Second)
	require.NoError(t, err)
	assert.Error(t, resp.Error)
}

func TestManager_SweepExpiresResults(t *testing.T) {
	exec := funcExecutor(func(_ context.Context, req *types.QueryRequest) *types.QueryResponse {
		return &types.QueryResponse{RequestID: req.ID}
	})
	cfg := DefaultConfig()
	cfg.ResultTTL = time.Minute
	m := newTestManager(t, cfg, exec)

	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	_, err := m.Submit(&types.QueryRequest{ID: "old"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.GetStats().Stored == 1 }, time.Second, time.Millisecond)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	_, err = m.Submit(&types.QueryRequest{ID: "new"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.GetStats().Stored == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, m.sweep())
	assert.Equal(t, uint64(1), m.GetStats().Expired)

	_, err = m.GetResult(context.Background(), "old", 20*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrResultTimeout)
	_, err = m.GetResult(context.Background(), "new", time.Second)
	assert.NoError(t, err)
}

func TestShutdown_WaitsForInFlight(t *testing.T) {
	exec := newGatedExecutor()
	m, err := New(DefaultConfig(), exec, nil)
	require.NoError(t, err)

	_, err = m.Submit(&types.QueryRequest{ID: "q"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)

	_, err = m.Submit(&types.QueryRequest{ID: "late"})
	assert.ErrorIs(t, err, errors.ErrStopped)

	close(exec.release)
	require.Eventually(t, func() bool { return m.ActiveCount() == 0 }, time.Second, time.Millisecond)
	assert.NoError(t, m.Shutdown(context.Background()))
}
