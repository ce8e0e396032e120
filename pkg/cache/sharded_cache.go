package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedCache is a sharded in-process snapshot store. Values carry their
// write time so readers can judge staleness; the cache is a mirror, never
// authoritative.
type ShardedCache struct {
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value     any
	updatedAt time.Time
}

// NewShardedCache creates a new sharded cache.
func NewShardedCache() *ShardedCache {
	c := &ShardedCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{
			items: make(map[string]entry),
		}
	}
	return c
}

// getShard returns the shard for the given key.
func (c *ShardedCache) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a value under a key.
func (c *ShardedCache) Set(key string, value any) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry{
		value:     value,
		updatedAt: time.Now(),
	}
	s.mu.Unlock()
}

// Get retrieves a value.
func (c *ShardedCache) Get(key string) (any, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e.value, ok
}

// GetWithAge retrieves a value and its age.
func (c *ShardedCache) GetWithAge(key string) (any, time.Duration, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	return e.value, time.Since(e.updatedAt), true
}

// GetFresh retrieves a value only if it is younger than maxAge.
func (c *ShardedCache) GetFresh(key string, maxAge time.Duration) (any, bool) {
	v, age, ok := c.GetWithAge(key)
	if !ok || age > maxAge {
		return nil, false
	}
	return v, true
}

// Delete removes a key from the cache.
func (c *ShardedCache) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Stats provides cache statistics.
type Stats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// GetStats returns cache statistics.
func (c *ShardedCache) GetStats() Stats {
	stats := Stats{}
	var oldest time.Time

	for i, s := range c.shards {
		s.mu.RLock()
		stats.ShardCounts[i] = len(s.items)
		stats.TotalItems += len(s.items)
		for _, e := range s.items {
			if oldest.IsZero() || e.updatedAt.Before(oldest) {
				oldest = e.updatedAt
			}
		}
		s.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
