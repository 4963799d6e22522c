package revocation

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/ocspcache/pkg/cache"
	"github.com/effective-security/ocspcache/pkg/ocspcache"
	"github.com/effective-security/ocspcache/x/fileutil"
	"github.com/jinzhu/copier"
	"github.com/mitchellh/go-homedir"
)

// Environment variables recognized by ApplyEnv
const (
	EnvCacheDir             = "SF_OCSP_RESPONSE_CACHE_DIR"
	EnvCacheServerURL       = "SF_OCSP_RESPONSE_CACHE_SERVER_URL"
	EnvCacheServerEnabled   = "SF_OCSP_RESPONSE_CACHE_SERVER_ENABLED"
	EnvFailOpen             = "SF_OCSP_FAIL_OPEN"
	EnvNewEndpoint          = "SF_OCSP_ACTIVATE_NEW_ENDPOINT"
	EnvMaxRetry             = "SF_OCSP_MAX_RETRY"
	EnvTestMode             = "SF_OCSP_TEST_MODE"
	EnvTestResponderURL     = "SF_TEST_OCSP_URL"
	EnvTestResponderTimeout = "SF_TEST_CA_OCSP_RESPONDER_CONNECTION_TIMEOUT"
	EnvTestCacheTimeout     = "SF_TEST_OCSP_CACHE_SERVER_CONNECTION_TIMEOUT"
	EnvTestInjectValidity   = "SF_OCSP_TEST_INJECT_VALIDITY_ERROR"
	EnvTestInjectUnknown    = "SF_OCSP_TEST_INJECT_UNKNOWN_STATUS"
)

// DefaultMemoSize specifies the number of parsed responses to keep
const DefaultMemoSize = 1024

// Config provides configuration of the Validator
type Config struct {
	// CacheDir overrides the folder of the cache files,
	// the per-OS default is used if empty
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
	// DisablePersistence keeps the cache in memory only
	DisablePersistence bool `json:"disable_persistence,omitempty" yaml:"disable_persistence,omitempty"`
	// CacheExpiration specifies how long a result stays fresh
	CacheExpiration time.Duration `json:"cache_expiration,omitempty" yaml:"cache_expiration,omitempty"`
	// MaxClockSkew specifies tolerated clock difference with responders
	MaxClockSkew time.Duration `json:"max_clock_skew,omitempty" yaml:"max_clock_skew,omitempty"`
	// SaveProbability specifies the chance to save the cache file after a change
	SaveProbability float64 `json:"save_probability,omitempty" yaml:"save_probability,omitempty"`
	// FileTimeout specifies how long to wait for the cache file lock
	FileTimeout time.Duration `json:"file_timeout,omitempty" yaml:"file_timeout,omitempty"`
	// MemoSize specifies the number of parsed responses to keep
	MemoSize int `json:"memo_size,omitempty" yaml:"memo_size,omitempty"`

	// CacheServerEnabled enables download of the bundle from the cache server
	CacheServerEnabled bool `json:"cache_server_enabled" yaml:"cache_server_enabled"`
	// CacheServerURL overrides the URL of the cache server
	CacheServerURL string `json:"cache_server_url,omitempty" yaml:"cache_server_url,omitempty"`
	// CacheServerTimeout specifies the timeout of a single download attempt
	CacheServerTimeout time.Duration `json:"cache_server_timeout,omitempty" yaml:"cache_server_timeout,omitempty"`
	// NewEndpoint enables the cache server endpoints derived from the hostname
	NewEndpoint bool `json:"new_endpoint,omitempty" yaml:"new_endpoint,omitempty"`

	// FailOpen allows connections when the revocation status can not be determined
	FailOpen bool `json:"fail_open" yaml:"fail_open"`
	// MaxRetry overrides the number of attempts, 1 in fail-open and 3 in fail-closed mode
	MaxRetry int `json:"max_retry,omitempty" yaml:"max_retry,omitempty"`
	// RetryInterval specifies the first backoff interval
	RetryInterval time.Duration `json:"retry_interval,omitempty" yaml:"retry_interval,omitempty"`
	// ResponderTimeout specifies the timeout of a single responder attempt
	ResponderTimeout time.Duration `json:"responder_timeout,omitempty" yaml:"responder_timeout,omitempty"`

	// AllowedHosts extends the list of host suffixes to validate
	AllowedHosts []string `json:"allowed_hosts,omitempty" yaml:"allowed_hosts,omitempty"`

	// SharedCache specifies optional store shared by processes
	SharedCache *cache.Config `json:"shared_cache,omitempty" yaml:"shared_cache,omitempty"`

	// TestMode enables the test overrides below
	TestMode bool `json:"test_mode,omitempty" yaml:"test_mode,omitempty"`
	// ResponderURL overrides responder URL of all certificates
	ResponderURL string `json:"responder_url,omitempty" yaml:"responder_url,omitempty"`
	// InjectValidityError fails the validity window check of every response
	InjectValidityError bool `json:"inject_validity_error,omitempty" yaml:"inject_validity_error,omitempty"`
	// InjectUnknownStatus reports every response as UNKNOWN
	InjectUnknownStatus bool `json:"inject_unknown_status,omitempty" yaml:"inject_unknown_status,omitempty"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		CacheExpiration:    ocspcache.DefaultCacheExpiration,
		MaxClockSkew:       ocspcache.DefaultMaxClockSkew,
		MemoSize:           DefaultMemoSize,
		CacheServerEnabled: true,
		FailOpen:           true,
	}
}

// LoadConfig returns configuration loaded from a file,
// with the values not specified taken from DefaultConfig
func LoadConfig(file string) (*Config, error) {
	if file == "" {
		return DefaultConfig(), nil
	}

	path, err := homedir.Expand(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := DefaultConfig()
	if err = fileutil.Unmarshal(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Copy returns a deep copy of the configuration
func (c *Config) Copy() (*Config, error) {
	cp := new(Config)
	if err := copier.CopyWithOption(cp, c, copier.Option{DeepCopy: true}); err != nil {
		return nil, errors.WithMessage(err, "unable to copy configuration")
	}
	return cp, nil
}

// ApplyEnv returns a copy of the configuration with the environment overrides.
// The test overrides are applied only in test mode.
func (c *Config) ApplyEnv() (*Config, error) {
	return c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) (*Config, error) {
	cfg, err := c.Copy()
	if err != nil {
		return nil, err
	}

	if v := getenv(EnvCacheDir); v != "" {
		cfg.CacheDir = v
	}
	if v := getenv(EnvCacheServerURL); v != "" {
		cfg.CacheServerURL = v
	}
	if err = envBool(getenv, EnvCacheServerEnabled, &cfg.CacheServerEnabled); err != nil {
		return nil, err
	}
	if err = envBool(getenv, EnvFailOpen, &cfg.FailOpen); err != nil {
		return nil, err
	}
	if err = envBool(getenv, EnvNewEndpoint, &cfg.NewEndpoint); err != nil {
		return nil, err
	}
	if v := getenv(EnvMaxRetry); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, errors.Errorf("invalid %s: %q", EnvMaxRetry, v)
		}
		cfg.MaxRetry = n
	}
	if err = envBool(getenv, EnvTestMode, &cfg.TestMode); err != nil {
		return nil, err
	}

	if !cfg.TestMode {
		return cfg, nil
	}

	if v := getenv(EnvTestResponderURL); v != "" {
		cfg.ResponderURL = v
	}
	if err = envDuration(getenv, EnvTestResponderTimeout, &cfg.ResponderTimeout); err != nil {
		return nil, err
	}
	if err = envDuration(getenv, EnvTestCacheTimeout, &cfg.CacheServerTimeout); err != nil {
		return nil, err
	}
	if err = envBool(getenv, EnvTestInjectValidity, &cfg.InjectValidityError); err != nil {
		return nil, err
	}
	if err = envBool(getenv, EnvTestInjectUnknown, &cfg.InjectUnknownStatus); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envBool(getenv func(string) string, name string, val *bool) error {
	v := strings.TrimSpace(getenv(name))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return errors.Errorf("invalid %s: %q", name, v)
	}
	*val = b
	return nil
}

// envDuration accepts a duration, or a number of seconds
func envDuration(getenv func(string) string, name string, val *time.Duration) error {
	v := strings.TrimSpace(getenv(name))
	if v == "" {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		*val = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Errorf("invalid %s: %q", name, v)
	}
	*val = d
	return nil
}
