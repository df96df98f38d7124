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

package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"stratafs/internal/backend"
)

// AttrCache caches stat results with TTL-based expiration. Attribute
// entries are small and short-lived; the heavy lifting (capacity, expiry
// sweep) is delegated to ttlcache.
type AttrCache struct {
	cache *ttlcache.Cache[string, backend.Entry]
	stop  sync.Once
}

// NewAttrCache creates an attribute cache. maxSize 0 means unlimited.
func NewAttrCache(ttl time.Duration, maxSize int) *AttrCache {
	opts := []ttlcache.Option[string, backend.Entry]{
		ttlcache.WithTTL[string, backend.Entry](ttl),
		ttlcache.WithDisableTouchOnHit[string, backend.Entry](),
	}
	if maxSize > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, backend.Entry](uint64(maxSize)))
	}
	c := &AttrCache{cache: ttlcache.New(opts...)}
	go c.cache.Start()
	return c
}

// Get returns cached attributes for a path, or nil if absent or expired.
func (c *AttrCache) Get(path string) *backend.Entry {
	item := c.cache.Get(path)
	if item == nil {
		return nil
	}
	v := item.Value()
	return &v
}

// Set stores attributes for a path.
func (c *AttrCache) Set(path string, info backend.Entry) {
	c.cache.Set(path, info, ttlcache.DefaultTTL)
}

// Invalidate removes a specific path.
func (c *AttrCache) Invalidate(path string) {
	c.cache.Delete(path)
}

// InvalidatePrefix removes a path and everything under it.
func (c *AttrCache) InvalidatePrefix(path string) {
	prefix := path + "/"
	for _, k := range c.cache.Keys() {
		if k == path || strings.HasPrefix(k, prefix) {
			c.cache.Delete(k)
		}
	}
}

// Len returns the current number of entries.
func (c *AttrCache) Len() int {
	return c.cache.Len()
}

// Close stops the background expiry loop. Safe to call more than once:
// ttlcache.Stop is a blocking channel send, so a second send after the
// reaper exited would hang forever.
func (c *AttrCache) Close() {
	c.stop.Do(c.cache.Stop)
}
