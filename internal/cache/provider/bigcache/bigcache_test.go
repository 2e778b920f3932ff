package bigcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/querycache/internal/cache"
)

var _ cache.Store = (*Store)(nil)

func TestStore_SetGetDel(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Shards = 16
	s, err := New(ctx, cfg)
	require.NoError(t, err)
	defer s.Close(ctx)

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := s.Set(ctx, "k", []byte("v"), 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, s.Len())

	v, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, s.Del(ctx, "k"))
	require.NoError(t, s.Del(ctx, "k"))
	assert.Equal(t, 0, s.Len())
}
