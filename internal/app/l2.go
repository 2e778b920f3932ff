package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/objectfs/querycache/internal/cache"
	"github.com/objectfs/querycache/internal/cache/provider/bigcache"
	"github.com/objectfs/querycache/internal/cache/provider/disk"
	"github.com/objectfs/querycache/internal/cache/provider/redis"
	"github.com/objectfs/querycache/internal/cache/provider/ristretto"
	"github.com/objectfs/querycache/internal/cache/provider/s3"
	"github.com/objectfs/querycache/internal/config"
)

// BuildL2 creates the tier selected by cfg.Cache.L2.Provider. It returns a
// nil tier for the "none" provider.
func BuildL2(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (cache.Tier, error) {
	l2 := cfg.Cache.L2

	var (
		store cache.Store
		err   error
	)
	switch l2.Provider {
	case config.L2None, "":
		return nil, nil
	case config.L2Memory:
		return cache.NewMemoryTier(l2.Capacity)
	case config.L2Ristretto:
		store, err = ristretto.New(l2.Ristretto)
	case config.L2BigCache:
		store, err = bigcache.New(ctx, l2.BigCache)
	case config.L2Redis:
		store, err = redis.New(l2.Redis)
	case config.L2Disk:
		store, err = disk.New(l2.Disk, logger)
	case config.L2S3:
		client, cerr := s3.NewClient(ctx, l2.S3)
		if cerr != nil {
			return nil, cerr
		}
		store, err = s3.New(client, l2.S3, logger)
	default:
		return nil, fmt.Errorf("unknown l2 provider: %s", l2.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("l2 %s: %w", l2.Provider, err)
	}

	return cache.NewStoreTier(store, cfg.StoreTierSettings(), logger)
}
