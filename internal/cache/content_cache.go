// Copyright 2025 StrataFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the read caches that sit in front of backends:
// a content cache (LRU + TTL over a concurrent map, reads never serialize
// through a lock) and a TTL attribute cache for stat results.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// contentEntry is immutable except for lastAccess, which is updated
// atomically on every hit for LRU bookkeeping.
type contentEntry struct {
	data       []byte
	size       int64
	insertedAt int64 // unix nanos
	lastAccess atomic.Int64
}

// ContentStats is a snapshot of cache counters. All counters are
// maintained lock-free.
type ContentStats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	Entries     int
	Bytes       int64
}

// ContentCache caches file content keyed by normalized mount-relative path.
// Concurrent readers never block each other: lookups go through a sharded
// concurrent map and per-entry metadata is atomic. Only the eviction scan
// takes a mutex, and it is never held across backend I/O.
type ContentCache struct {
	entries    *xsync.MapOf[string, *contentEntry]
	maxEntries int
	maxBytes   int64
	ttl        time.Duration

	bytes       atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	evictMu sync.Mutex
}

// NewContentCache creates a content cache. Zero maxEntries or maxBytes
// means unlimited for that dimension; zero ttl means entries never expire.
func NewContentCache(maxEntries int, maxBytes int64, ttl time.Duration) *ContentCache {
	return &ContentCache{
		entries:    xsync.NewMapOf[string, *contentEntry](),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
	}
}

// Get returns the cached content for key, or (nil, false) on miss.
// Expired entries are treated as misses and removed.
func (c *ContentCache) Get(key string) ([]byte, bool) {
	e, ok := c.entries.Load(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	now := time.Now().UnixNano()
	if c.ttl > 0 && now-e.insertedAt > int64(c.ttl) {
		if c.removeExact(key, e) {
			c.expirations.Add(1)
		}
		c.misses.Add(1)
		return nil, false
	}
	e.lastAccess.Store(now)
	c.hits.Add(1)
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, true
}

// Put stores content for key, replacing any existing entry.
func (c *ContentCache) Put(key string, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	now := time.Now().UnixNano()
	e := &contentEntry{data: buf, size: int64(len(buf)), insertedAt: now}
	e.lastAccess.Store(now)

	old, loaded := c.entries.LoadAndStore(key, e)
	delta := e.size
	if loaded {
		delta -= old.size
	}
	c.bytes.Add(delta)
	c.evictIfNeeded()
}

// Invalidate removes the entry for key, if present.
func (c *ContentCache) Invalidate(key string) {
	if old, loaded := c.entries.LoadAndDelete(key); loaded {
		c.bytes.Add(-old.size)
	}
}

// InvalidatePrefix removes the entry for key and everything under it,
// for directory-affecting deletes and renames.
func (c *ContentCache) InvalidatePrefix(key string) {
	prefix := key + "/"
	c.entries.Range(func(k string, _ *contentEntry) bool {
		if k == key || strings.HasPrefix(k, prefix) {
			c.Invalidate(k)
		}
		return true
	})
}

// Clear drops all entries.
func (c *ContentCache) Clear() {
	c.entries.Range(func(k string, _ *contentEntry) bool {
		c.Invalidate(k)
		return true
	})
}

// Prune removes expired entries eagerly. Expiry is otherwise detected
// lazily on Get.
func (c *ContentCache) Prune() int {
	if c.ttl == 0 {
		return 0
	}
	cutoff := time.Now().UnixNano() - int64(c.ttl)
	pruned := 0
	c.entries.Range(func(k string, e *contentEntry) bool {
		if e.insertedAt < cutoff && c.removeExact(k, e) {
			c.expirations.Add(1)
			pruned++
		}
		return true
	})
	return pruned
}

// Stats returns a counter snapshot.
func (c *ContentCache) Stats() ContentStats {
	return ContentStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Entries:     c.entries.Size(),
		Bytes:       c.bytes.Load(),
	}
}

// removeExact deletes key only if it still maps to the same entry, so a
// concurrent Put of fresh content is never clobbered.
func (c *ContentCache) removeExact(key string, e *contentEntry) bool {
	removed := false
	c.entries.Compute(key, func(cur *contentEntry, loaded bool) (*contentEntry, bool) {
		if loaded && cur == e {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	if removed {
		c.bytes.Add(-e.size)
	}
	return removed
}

func (c *ContentCache) overLimit() bool {
	if c.maxEntries > 0 && c.entries.Size() > c.maxEntries {
		return true
	}
	if c.maxBytes > 0 && c.bytes.Load() > c.maxBytes {
		return true
	}
	return false
}

// evictIfNeeded evicts least-recently-used entries until both caps hold.
// Serialized by evictMu so concurrent writers don't over-evict.
func (c *ContentCache) evictIfNeeded() {
	if !c.overLimit() {
		return
	}
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	for c.overLimit() {
		var coldKey string
		var coldEntry *contentEntry
		var coldAccess int64
		c.entries.Range(func(k string, e *contentEntry) bool {
			la := e.lastAccess.Load()
			if coldEntry == nil || la < coldAccess {
				coldKey, coldEntry, coldAccess = k, e, la
			}
			return true
		})
		if coldEntry == nil {
			return
		}
		if c.removeExact(coldKey, coldEntry) {
			c.evictions.Add(1)
		}
	}
}
