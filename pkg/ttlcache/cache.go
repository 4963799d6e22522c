// Package ttlcache provides a keyed cache with lazy TTL expiry and an optional
// crash-safe file-backed persistence layer shared across processes.
package ttlcache

import (
	"reflect"
	"sync"
	"time"

	"github.com/effective-security/metrics"
	"github.com/effective-security/ocspcache/metricskey"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ocspcache/pkg", "ttlcache")

// DefaultLifetime specifies default entry lifetime
var DefaultLifetime = 24 * time.Hour

// NowFunc allows to override default time
var NowFunc = time.Now

// Item is a point-in-time copy of a cache entry
type Item[K comparable, V any] struct {
	Key    K
	Value  V
	Expiry time.Time
}

// Stats provides cache telemetry
type Stats struct {
	Hit        uint64 `json:"hit" yaml:"hit"`
	Miss       uint64 `json:"miss" yaml:"miss"`
	Expiration uint64 `json:"expiration" yaml:"expiration"`
	Size       uint64 `json:"size" yaml:"size"`
}

type entry[V any] struct {
	expiry time.Time
	value  V
}

// Cache is a keyed cache with per-entry expiry.
// All state is guarded by a single non-reentrant mutex.
type Cache[K comparable, V any] struct {
	name     string
	lifetime time.Duration

	lock     sync.Mutex
	entries  map[K]entry[V]
	stats    Stats
	modified bool
}

// New returns a new Cache
func New[K comparable, V any](name string, lifetime time.Duration) *Cache[K, V] {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Cache[K, V]{
		name:     name,
		lifetime: lifetime,
		entries:  map[K]entry[V]{},
	}
}

// Name returns the name of the cache
func (c *Cache[K, V]) Name() string {
	return c.name
}

// Lifetime returns the entry lifetime
func (c *Cache[K, V]) Lifetime() time.Duration {
	return c.lifetime
}

// Get returns the value if present and not expired.
// An expired entry is removed and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.getLocked(key, NowFunc())
}

// Peek returns the value if present and not expired,
// without updating telemetry or removing expired entry
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	e, ok := c.entries[key]
	if !ok || !NowFunc().Before(e.expiry) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Contains returns true if the key is present and not expired
func (c *Cache[K, V]) Contains(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// Set inserts or replaces the value, with expiry now+lifetime
func (c *Cache[K, V]) Set(key K, value V) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.setLocked(key, entry[V]{expiry: NowFunc().Add(c.lifetime), value: value})
}

// Delete removes the key, if present
func (c *Cache[K, V]) Delete(key K) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.deleteLocked(key)
}

// Len returns the number of entries, including not yet purged expired ones
func (c *Cache[K, V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}

// Items returns a snapshot of all unexpired entries
func (c *Cache[K, V]) Items() []Item[K, V] {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.itemsLocked(NowFunc())
}

// Stats returns a copy of telemetry counters
func (c *Cache[K, V]) Stats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stats
}

// Clear removes all entries
func (c *Cache[K, V]) Clear() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.clearLocked()
}

// Clone returns a copy of the cache with the same entries and expiries
func (c *Cache[K, V]) Clone() *Cache[K, V] {
	c.lock.Lock()
	defer c.lock.Unlock()

	cp := New[K, V](c.name, c.lifetime)
	for k, e := range c.entries {
		cp.entries[k] = e
	}
	cp.stats.Size = uint64(len(cp.entries))
	return cp
}

// Merge merges entries of other cache into c.
// An incoming entry replaces the existing one when c lacks the key,
// or newerOnly is false, or the existing entry expires earlier.
// Returns true if c changed.
func (c *Cache[K, V]) Merge(other *Cache[K, V], newerOnly bool) bool {
	if other == nil {
		return false
	}
	// copy the source first, so the two locks are never held together
	other.lock.Lock()
	incoming := make(map[K]entry[V], len(other.entries))
	for k, e := range other.entries {
		incoming[k] = e
	}
	other.lock.Unlock()

	c.lock.Lock()
	defer c.lock.Unlock()
	return c.mergeLocked(incoming, newerOnly, NowFunc())
}

// MergeMap inserts all values with a fresh expiry, unconditionally.
// Returns true if c changed.
func (c *Cache[K, V]) MergeMap(values map[K]V) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	now := NowFunc()
	c.purgeExpiredLocked(now)
	expiry := now.Add(c.lifetime)
	for k, v := range values {
		c.setLocked(k, entry[V]{expiry: expiry, value: v})
	}
	return len(values) > 0
}

// PurgeExpired removes all expired entries
func (c *Cache[K, V]) PurgeExpired() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.purgeExpiredLocked(NowFunc())
}

// the methods below require c.lock to be held

func (c *Cache[K, V]) getLocked(key K, now time.Time) (V, bool) {
	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.stats.Miss++
		metrics.IncrCounter(metricskey.KeyCacheMiss, 1, metrics.Tag{Name: "cache", Value: c.name})
		return zero, false
	}
	if !now.Before(e.expiry) {
		c.stats.Expiration++
		c.stats.Miss++
		c.deleteLocked(key)
		metrics.IncrCounter(metricskey.KeyCacheExpired, 1, metrics.Tag{Name: "cache", Value: c.name})
		return zero, false
	}
	c.stats.Hit++
	metrics.IncrCounter(metricskey.KeyCacheHit, 1, metrics.Tag{Name: "cache", Value: c.name})
	return e.value, true
}

func (c *Cache[K, V]) setLocked(key K, e entry[V]) {
	c.entries[key] = e
	c.stats.Size = uint64(len(c.entries))
	c.modified = true
}

func (c *Cache[K, V]) deleteLocked(key K) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	c.stats.Size = uint64(len(c.entries))
	c.modified = true
}

func (c *Cache[K, V]) clearLocked() {
	if len(c.entries) > 0 {
		c.modified = true
	}
	c.entries = map[K]entry[V]{}
	c.stats.Size = 0
}

func (c *Cache[K, V]) itemsLocked(now time.Time) []Item[K, V] {
	list := make([]Item[K, V], 0, len(c.entries))
	for k, e := range c.entries {
		if !now.Before(e.expiry) {
			c.stats.Expiration++
			c.deleteLocked(k)
			continue
		}
		list = append(list, Item[K, V]{Key: k, Value: e.value, Expiry: e.expiry})
	}
	return list
}

func (c *Cache[K, V]) purgeExpiredLocked(now time.Time) int {
	count := 0
	for k, e := range c.entries {
		if !now.Before(e.expiry) {
			c.stats.Expiration++
			c.deleteLocked(k)
			count++
		}
	}
	return count
}

func (c *Cache[K, V]) mergeLocked(incoming map[K]entry[V], newerOnly bool, now time.Time) bool {
	c.purgeExpiredLocked(now)

	changed := false
	for k, in := range incoming {
		if !now.Before(in.expiry) {
			continue
		}
		cur, exists := c.entries[k]
		if exists && newerOnly && !cur.expiry.Before(in.expiry) {
			continue
		}
		if !exists || !cur.expiry.Equal(in.expiry) || !reflect.DeepEqual(cur.value, in.value) {
			changed = true
		}
		c.entries[k] = in
	}
	if changed {
		c.stats.Size = uint64(len(c.entries))
		c.modified = true
	}
	return changed
}

// swapLocked exchanges entry tables of c and other; both must be owned by the caller
func (c *Cache[K, V]) swapLocked(other *Cache[K, V]) {
	c.entries, other.entries = other.entries, c.entries
	c.stats.Size = uint64(len(c.entries))
	other.stats.Size = uint64(len(other.entries))
}

func (c *Cache[K, V]) logState(reason string) {
	logger.KV(xlog.TRACE,
		"cache", c.name,
		"reason", reason,
		"size", c.stats.Size,
		"hit", c.stats.Hit,
		"miss", c.stats.Miss,
		"expiration", c.stats.Expiration)
}
