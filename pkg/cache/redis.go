package cache

import (
	"context"
	"encoding/json"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

type redisProv struct {
	prefix string
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisProvider returns Redis cache
func NewRedisProvider(cfg RedisConfig, prefix string) (Provider, error) {
	options, err := redis.ParseURL(cfg.Server)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid redis address")
	}

	if cfg.ClientTLS != nil {
		tlscfg, err := cfg.ClientTLS.ClientTLS()
		if err != nil {
			return nil, errors.WithMessage(err, "unable to build TLS configuration")
		}
		options.TLSConfig = tlscfg
	}
	if cfg.Password != "" {
		options.Username = cfg.User
		options.Password = cfg.Password
	}

	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if prefix == "" {
		prefix = "/"
	}

	logger.KV(xlog.INFO,
		"reason", "redis",
		"addr", options.Addr,
		"tls", options.TLSConfig != nil,
		"ttl", cfg.TTL)

	return &redisProv{
		prefix: prefix,
		cfg:    cfg,
		client: redis.NewClient(options),
	}, nil
}

// Close closes the client, releasing any open resources.
func (p *redisProv) Close() error {
	if p.cfg.ClientTLS != nil {
		p.cfg.ClientTLS.Close()
	}
	return p.client.Close()
}

// IsLocal returns true, if cache is local
func (p *redisProv) IsLocal() bool {
	return false
}

// Set data
func (p *redisProv) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	if ttl == 0 {
		ttl = p.cfg.TTL
	}

	var value any
	switch t := v.(type) {
	case string:
		value = t
	case []byte:
		value = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal value: %s", key)
		}
		value = string(b)
	}

	k := path.Join(p.prefix, key)
	err := p.client.Set(ctx, k, value, ttl).Err()
	if err != nil {
		return errors.Wrapf(err, "failed to set key: %s", k)
	}
	return nil
}

// Get data
func (p *redisProv) Get(ctx context.Context, key string, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return &json.InvalidUnmarshalError{Type: reflect.TypeOf(v)}
	}

	k := path.Join(p.prefix, key)
	val := p.client.Get(ctx, k)
	err := val.Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "failed to get key: %s", k)
	}

	switch t := v.(type) {
	case *string:
		*t = val.Val()
	case *[]byte:
		b, err := val.Bytes()
		if err != nil {
			return errors.Wrapf(err, "failed to get key: %s", k)
		}
		*t = b
	default:
		b, err := val.Bytes()
		if err != nil {
			return errors.Wrapf(err, "failed to get key: %s", k)
		}
		err = json.Unmarshal(b, v)
		if err != nil {
			return errors.Wrapf(err, "failed to unmarshal value: %s", k)
		}
	}

	return nil
}

// GetMany loads the keys with a single MGET, and calls fn for each key found
func (p *redisProv) GetMany(ctx context.Context, keys []string, fn func(key string, data []byte) error) error {
	if len(keys) == 0 {
		return nil
	}
	pkeys := make([]string, 0, len(keys))
	for _, key := range keys {
		pkeys = append(pkeys, path.Join(p.prefix, key))
	}
	vals, err := p.client.MGet(ctx, pkeys...).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to get %d keys", len(pkeys))
	}
	for i, val := range vals {
		var b []byte
		switch t := val.(type) {
		case string:
			b = []byte(t)
		case []byte:
			b = t
		default:
			// nil for missing keys
			continue
		}
		if err = fn(keys[i], b); err != nil {
			return err
		}
	}
	return nil
}

// Delete data
func (p *redisProv) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pkeys := make([]string, 0, len(keys))
	for _, key := range keys {
		pkeys = append(pkeys, path.Join(p.prefix, key))
	}
	err := p.client.Del(ctx, pkeys...).Err()
	if err != nil {
		return errors.Wrapf(err, "failed to delete keys: %v", pkeys)
	}
	return nil
}

// CleanExpired data
func (p *redisProv) CleanExpired(_ context.Context) {
	// redis exires keys
}

// Keys returns list of keys.
// This method should be used mostly for testing, as in prod many keys maybe returned
func (p *redisProv) Keys(ctx context.Context, pattern string) ([]string, error) {
	k := path.Join(p.prefix, pattern)
	res := p.client.Keys(ctx, k)
	if res.Err() != nil {
		return nil, errors.WithStack(res.Err())
	}
	list := res.Val()
	for i, key := range list {
		list[i] = strings.TrimPrefix(key, p.prefix)
	}
	return list, nil
}
