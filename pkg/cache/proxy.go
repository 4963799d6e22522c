package cache

import (
	"context"
	"path"
	"time"
)

type proxyProv struct {
	prefix string
	prov   Provider
}

// NewProxyProvider returns provider, adding prefix to keys of the parent
func NewProxyProvider(prefix string, prov Provider) Provider {
	return &proxyProv{
		prefix: prefix,
		prov:   prov,
	}
}

func (p *proxyProv) keyName(key string) string {
	return path.Join(p.prefix, key)
}

// Close does nothing, as the parent must be closed by its owner
func (p *proxyProv) Close() error {
	return nil
}

// IsLocal returns true, if cache is local
func (p *proxyProv) IsLocal() bool {
	return p.prov.IsLocal()
}

// Set data
func (p *proxyProv) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	return p.prov.Set(ctx, p.keyName(key), v, ttl)
}

// Get data
func (p *proxyProv) Get(ctx context.Context, key string, v any) error {
	return p.prov.Get(ctx, p.keyName(key), v)
}

// GetMany calls fn for each key found, with the key of the caller
func (p *proxyProv) GetMany(ctx context.Context, keys []string, fn func(key string, data []byte) error) error {
	if len(keys) == 0 {
		return nil
	}
	names := make(map[string]string, len(keys))
	pkeys := make([]string, 0, len(keys))
	for _, key := range keys {
		pk := p.keyName(key)
		names[pk] = key
		pkeys = append(pkeys, pk)
	}
	return p.prov.GetMany(ctx, pkeys, func(pk string, data []byte) error {
		return fn(names[pk], data)
	})
}

// Delete data
func (p *proxyProv) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pkeys := make([]string, 0, len(keys))
	for _, key := range keys {
		pkeys = append(pkeys, p.keyName(key))
	}
	return p.prov.Delete(ctx, pkeys...)
}

// CleanExpired data
func (p *proxyProv) CleanExpired(ctx context.Context) {
	p.prov.CleanExpired(ctx)
}

// Keys returns list of keys.
// This method should be used mostly for testing, as in prod many keys maybe returned
func (p *proxyProv) Keys(ctx context.Context, pattern string) ([]string, error) {
	return p.prov.Keys(ctx, p.keyName(pattern))
}
