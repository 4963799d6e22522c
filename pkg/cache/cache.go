// Package cache provides the shared store of OCSP responses,
// reachable by all processes of a deployment
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/ocspcache/pkg/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ocspcache/pkg", "cache")

// DefaultTTL specifies default TTL
var DefaultTTL = 30 * time.Minute

// KeepTTL specifies to keep value
var KeepTTL = time.Duration(-1)

// NowFunc allows to override default time
var NowFunc = time.Now

// Config specifies configuration of the cache.
type Config struct {
	// Provider specifies the cache provider: redis|memory
	Provider string `json:"provider" yaml:"provider"`
	// Prefix specifies the prefix of the keys
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// TTL specifies the lifetime of records, DefaultTTL if not set
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	// MaxEntries specifies the capacity of the memory provider, DefaultMaxEntries if not set
	MaxEntries int          `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	Redis      *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig specifies configuration of the redis.
type RedisConfig struct {
	Server string        `json:"server,omitempty" yaml:"server,omitempty"`
	TTL    time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	// ClientTLS describes the TLS certs used to connect to the cluster
	ClientTLS *transport.TLSInfo `json:"client_tls,omitempty" yaml:"client_tls,omitempty"`
	User      string             `json:"user,omitempty" yaml:"user,omitempty"`
	Password  string             `json:"password,omitempty" yaml:"password,omitempty"`
}

// Provider defines cache interface
type Provider interface {
	// Set data
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	// Get data
	Get(ctx context.Context, key string, v any) error
	// GetMany calls fn for each of the keys found, with the JSON encoded value.
	// Missing and expired keys are skipped.
	GetMany(ctx context.Context, keys []string, fn func(key string, data []byte) error) error
	// Delete data
	Delete(ctx context.Context, keys ...string) error
	// CleanExpired data
	CleanExpired(ctx context.Context)
	// Close closes the client, releasing any open resources.
	// It is rare to Close a Client, as the Client is meant to be long-lived and shared between many goroutines.
	Close() error
	// Keys returns list of keys.
	// This method should be used mostly for testing, as in prod many keys maybe returned
	Keys(ctx context.Context, pattern string) ([]string, error)

	// IsLocal returns true, if cache is local
	IsLocal() bool
}

// New returns Provider for the configuration
func New(cfg Config) (Provider, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ocsp"
	}

	switch strings.ToLower(cfg.Provider) {
	case "", "memory":
		return NewMemoryProviderWithSize(prefix, cfg.MaxEntries), nil
	case "redis":
		if cfg.Redis == nil {
			return nil, errors.New("redis configuration is not provided")
		}
		rc := *cfg.Redis
		if rc.TTL == 0 {
			rc.TTL = cfg.TTL
		}
		return NewRedisProvider(rc, prefix)
	default:
		return nil, errors.Errorf("cache provider not supported: %s", cfg.Provider)
	}
}

// ErrNotFound defines not found error
var ErrNotFound = errors.New("not found")

// IsNotFoundError returns true, if error is NotFound
func IsNotFoundError(err error) bool {
	return err != nil &&
		(err == ErrNotFound || errors.Is(err, ErrNotFound) || strings.Contains(err.Error(), "not found"))
}
