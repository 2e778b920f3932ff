/*
Package cache provides the query result cache: an adaptive replacement (ARC)
L1, an optional slower L2 tier, and a per-user access predictor that warms
the cache ahead of reads.

# Architecture

	┌──────────────────────────────────────────────┐
	│              MultiLevelCache                 │
	│  Get / Set / GetOrCompute / InvalidateByTag  │
	└──────────────────────────────────────────────┘
	        │                │                │
	┌──────────────┐ ┌──────────────┐ ┌──────────────────────┐
	│   ARCCache   │ │     Tier     │ │ IntelligentPrefetcher│
	│  T1 T2 B1 B2 │ │ memory/store │ │ sequential, temporal │
	│  adaptive p  │ │  (exclusive) │ │ and correlation votes│
	└──────────────┘ └──────────────┘ └──────────────────────┘
	                        │
	        ┌───────────────┼───────────────┐
	   provider/disk  provider/redis  provider/s3 ...

# Levels

L1 is an ARCCache. It balances recency (T1) against frequency (T2) and
shifts its target p using ghost lists B1 and B2, so a one-off scan cannot
flush entries that are read repeatedly.

L2 is any Tier. MemoryTier keeps entries in process; StoreTier encodes
entries with a codec (msgpack or CBOR, optionally s2-compressed) and writes
them to a byte Store from provider/. Levels are exclusive: an entry evicted
from L1 is demoted to L2, and an L2 hit promotes it back and removes the L2
copy. L2 failures are logged and treated as misses.

# Prefetching

Every hit records (user, key, time) with the prefetcher. After a hit a
background worker asks for predictions for the key just read and loads
those scoring above the threshold from L2 or the configured producer.
Whether a prefetched key is later read feeds a per-user success rate.

# Usage

	c, err := cache.NewMultiLevelCache(&cfg,
		cache.WithL2(tier),
		cache.WithProducer(producer),
		cache.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	value, err := c.GetOrCompute(ctx, "orders:42", "user-7", nil, time.Minute, "orders")

# Thread Safety

MultiLevelCache is safe for concurrent use. ARCCache is not; it relies on
its owner for locking.
*/
package cache
