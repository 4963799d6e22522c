package cache

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries specifies the default capacity of the memory provider
const DefaultMaxEntries = 10000

type memProv struct {
	prefix string
	cache  *lru.Cache[string, *entry]
}

type entry struct {
	expires *time.Time
	// keep JSON encoded to be in parity with Redis
	data []byte
}

func (e *entry) expired(now time.Time) bool {
	return e.expires != nil && !e.expires.After(now)
}

// NewMemoryProvider returns memory cache with DefaultMaxEntries capacity
func NewMemoryProvider(prefix string) Provider {
	return NewMemoryProviderWithSize(prefix, DefaultMaxEntries)
}

// NewMemoryProviderWithSize returns memory cache,
// where the least recently used entries are evicted above the capacity
func NewMemoryProviderWithSize(prefix string, size int) Provider {
	if size <= 0 {
		size = DefaultMaxEntries
	}
	c, _ := lru.New[string, *entry](size)
	return &memProv{
		prefix: prefix,
		cache:  c,
	}
}

// Close closes the client, releasing any open resources.
func (p *memProv) Close() error {
	return nil
}

// IsLocal returns true, if cache is local
func (p *memProv) IsLocal() bool {
	return true
}

// Set data
func (p *memProv) Set(_ context.Context, key string, v any, ttl time.Duration) error {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	k := path.Join(p.prefix, key)
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal value: %s", k)
	}

	val := &entry{
		data: b,
	}
	if ttl != KeepTTL {
		exp := NowFunc().Add(ttl)
		val.expires = &exp
	}
	p.cache.Add(k, val)
	return nil
}

func (p *memProv) load(k string) ([]byte, bool) {
	e, ok := p.cache.Get(k)
	if !ok {
		return nil, false
	}
	if e.expired(NowFunc()) {
		p.cache.Remove(k)
		return nil, false
	}
	return e.data, true
}

// Get data
func (p *memProv) Get(_ context.Context, key string, v any) error {
	k := path.Join(p.prefix, key)
	b, ok := p.load(k)
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrapf(err, "failed to unmarshal value: %s", k)
	}
	return nil
}

// GetMany calls fn for each key found
func (p *memProv) GetMany(_ context.Context, keys []string, fn func(key string, data []byte) error) error {
	for _, key := range keys {
		b, ok := p.load(path.Join(p.prefix, key))
		if !ok {
			continue
		}
		if err := fn(key, b); err != nil {
			return err
		}
	}
	return nil
}

// Delete data
func (p *memProv) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		p.cache.Remove(path.Join(p.prefix, key))
	}
	return nil
}

// CleanExpired data
func (p *memProv) CleanExpired(_ context.Context) {
	now := NowFunc()
	for _, k := range p.cache.Keys() {
		if e, ok := p.cache.Peek(k); ok && e.expired(now) {
			p.cache.Remove(k)
		}
	}
}

// Keys returns list of keys.
// This method should be used mostly for testing, as in prod many keys maybe returned
func (p *memProv) Keys(_ context.Context, pattern string) ([]string, error) {
	k := path.Join(p.prefix, pattern)
	k = strings.TrimRight(k, "*?")

	var list []string
	for _, name := range p.cache.Keys() {
		if strings.HasPrefix(name, k) {
			list = append(list, name)
		}
	}
	return list, nil
}
