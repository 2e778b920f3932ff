package cache

import (
	"time"
)

// entryOverhead approximates per-entry bookkeeping bytes beyond key and value
const entryOverhead = 64

// CacheEntry is one cached value with its access bookkeeping
type CacheEntry struct {
	Key          string        `msgpack:"k" cbor:"1,keyasint" json:"key"`
	Value        []byte        `msgpack:"v" cbor:"2,keyasint" json:"value"`
	Size         int64         `msgpack:"s" cbor:"3,keyasint" json:"size"`
	CreatedAt    time.Time     `msgpack:"c" cbor:"4,keyasint" json:"created_at"`
	LastAccessed time.Time     `msgpack:"a" cbor:"5,keyasint" json:"last_accessed"`
	AccessCount  int64         `msgpack:"n" cbor:"6,keyasint" json:"access_count"`
	HitCount     int64         `msgpack:"h" cbor:"7,keyasint" json:"hit_count"`
	TTL          time.Duration `msgpack:"t" cbor:"8,keyasint" json:"ttl"`
	Tags         []string      `msgpack:"g,omitempty" cbor:"9,keyasint,omitempty" json:"tags,omitempty"`
	Priority     int           `msgpack:"p,omitempty" cbor:"10,keyasint,omitempty" json:"priority,omitempty"`
}

// NewCacheEntry builds an entry stamped with now
func NewCacheEntry(key string, value []byte, ttl time.Duration, tags []string, now time.Time) *CacheEntry {
	return &CacheEntry{
		Key:          key,
		Value:        value,
		Size:         int64(len(key)+len(value)) + entryOverhead,
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          ttl,
		Tags:         dedupTags(tags),
	}
}

// IsExpired reports whether the entry's TTL has elapsed at now.
// Entries without a TTL never expire.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// Remaining returns the TTL left at now, 0 for entries without a TTL
func (e *CacheEntry) Remaining(now time.Time) time.Duration {
	if e.TTL <= 0 {
		return 0
	}
	if left := e.TTL - now.Sub(e.CreatedAt); left > 0 {
		return left
	}
	return time.Nanosecond
}

// HasAnyTag reports whether the entry carries at least one of tags
func (e *CacheEntry) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range e.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// touch records a hit
func (e *CacheEntry) touch(now time.Time) {
	e.LastAccessed = now
	e.AccessCount++
	e.HitCount++
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
