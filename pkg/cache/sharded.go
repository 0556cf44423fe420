// Package cache provides a sharded copy-on-write map with lock-free reads.
package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const numShards = 16

type entry[V any] struct {
	value    V
	storedAt time.Time
}

type shard[V any] struct {
	mu    sync.Mutex // serializes writers only
	items atomic.Pointer[map[string]entry[V]]
}

// Sharded is a keyed cache whose readers never take a lock: each shard
// publishes an immutable map that writers replace wholesale.
type Sharded[V any] struct {
	shards [numShards]*shard[V]
	now    func() time.Time
}

// NewSharded creates an empty cache.
func NewSharded[V any]() *Sharded[V] {
	c := &Sharded[V]{now: time.Now}
	for i := range c.shards {
		s := &shard[V]{}
		empty := make(map[string]entry[V])
		s.items.Store(&empty)
		c.shards[i] = s
	}
	return c
}

func (c *Sharded[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// mutate copies the shard map, applies fn and publishes the copy.
func (s *shard[V]) mutate(fn func(m map[string]entry[V]) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := *s.items.Load()
	next := make(map[string]entry[V], len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	if !fn(next) {
		return false
	}
	s.items.Store(&next)
	return true
}

// Set stores value under key.
func (c *Sharded[V]) Set(key string, value V) {
	now := c.now()
	c.shardFor(key).mutate(func(m map[string]entry[V]) bool {
		m[key] = entry[V]{value: value, storedAt: now}
		return true
	})
}

// Get returns the value and how long ago it was stored.
func (c *Sharded[V]) Get(key string) (V, time.Duration, bool) {
	e, ok := (*c.shardFor(key).items.Load())[key]
	if !ok {
		var zero V
		return zero, 0, false
	}
	return e.value, c.now().Sub(e.storedAt), true
}

// Delete removes key.
func (c *Sharded[V]) Delete(key string) {
	c.shardFor(key).mutate(func(m map[string]entry[V]) bool {
		if _, ok := m[key]; !ok {
			return false
		}
		delete(m, key)
		return true
	})
}

// Len returns total items across all shards.
func (c *Sharded[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		total += len(*s.items.Load())
	}
	return total
}

// Cleanup removes entries older than maxAge and reports how many went.
func (c *Sharded[V]) Cleanup(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for _, s := range c.shards {
		s.mutate(func(m map[string]entry[V]) bool {
			n := 0
			for k, e := range m {
				if e.storedAt.Before(cutoff) {
					delete(m, k)
					n++
				}
			}
			removed += n
			return n > 0
		})
	}
	return removed
}

// Snapshot returns a copy of every cached value.
func (c *Sharded[V]) Snapshot() map[string]V {
	out := make(map[string]V)
	for _, s := range c.shards {
		for k, e := range *s.items.Load() {
			out[k] = e.value
		}
	}
	return out
}
