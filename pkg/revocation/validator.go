// Package revocation provides the validation engine of certificate revocation status:
// the cache lookup, the bulk import, the responder fetch, and the fail-open policy.
package revocation

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/metrics"
	"github.com/effective-security/ocspcache/metricskey"
	"github.com/effective-security/ocspcache/pkg/cache"
	"github.com/effective-security/ocspcache/pkg/cacheserver"
	"github.com/effective-security/ocspcache/pkg/certchain"
	"github.com/effective-security/ocspcache/pkg/ocspcache"
	"github.com/effective-security/ocspcache/pkg/ocsperror"
	"github.com/effective-security/ocspcache/pkg/responder"
	"github.com/effective-security/ocspcache/pkg/retriable"
	"github.com/effective-security/ocspcache/pkg/ttlcache"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ocspcache/pkg", "revocation")

// NowFunc allows to override default time
var NowFunc = time.Now

// ResultCache is the cache of validation results
type ResultCache = ttlcache.Cache[ocspcache.CacheKey, ocspcache.Result]

// Status is the result of the check of a single certificate
type Status struct {
	Key     ocspcache.CacheKey
	Subject string
	Outcome Outcome
	Source  string
	// Result is the cached or fetched result, nil for skipped check
	Result *ocspcache.Result
	// Err is the check error, nil for good certificate
	Err error
	// FailOpen is true when Err was ignored in fail-open mode
	FailOpen bool
}

// Stats provides telemetry of the Validator
type Stats struct {
	Cache     ttlcache.Stats `json:"cache" yaml:"cache"`
	Hits      uint64         `json:"hits" yaml:"hits"`
	Misses    uint64         `json:"misses" yaml:"misses"`
	Fetches   uint64         `json:"fetches" yaml:"fetches"`
	BulkLoads uint64         `json:"bulk_loads" yaml:"bulk_loads"`
	Memo      int            `json:"memo" yaml:"memo"`
}

// Option configures the Validator
type Option interface {
	apply(*Validator)
}

type optionFunc func(*Validator)

func (f optionFunc) apply(v *Validator) { f(v) }

// WithCache specifies the cache of results, kept in memory only
func WithCache(c *ResultCache) Option {
	return optionFunc(func(v *Validator) {
		v.cache = c
	})
}

// WithCacheServer specifies the bulk downloader
func WithCacheServer(d cacheserver.Downloader) Option {
	return optionFunc(func(v *Validator) {
		v.server = d
	})
}

// WithResponder specifies the responder client
func WithResponder(f responder.Fetcher) Option {
	return optionFunc(func(v *Validator) {
		v.responder = f
	})
}

// WithSharedCache specifies the store shared with other processes.
// The caller owns the store.
func WithSharedCache(p cache.Provider) Option {
	return optionFunc(func(v *Validator) {
		v.shared = p
	})
}

// WithEventSink specifies the sink of check events
func WithEventSink(s EventSink) Option {
	return optionFunc(func(v *Validator) {
		v.sink = s
	})
}

// Validator checks revocation status of certificates
type Validator struct {
	cfg *Config

	cache      *ResultCache
	persistent *ttlcache.PersistentCache[ocspcache.CacheKey, ocspcache.Result]
	legacy     *ocspcache.LegacyFile
	server     cacheserver.Downloader
	responder  responder.Fetcher
	shared     cache.Provider
	ownShared  bool
	sink       EventSink
	memo       *memo

	legacyLock sync.Mutex
	legacyRead time.Time

	closeOnce sync.Once

	hits      atomic.Uint64
	misses    atomic.Uint64
	fetches   atomic.Uint64
	bulkLoads atomic.Uint64
}

// New returns Validator
func New(cfg *Config, opts ...Option) (*Validator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg, err := cfg.Copy()
	if err != nil {
		return nil, err
	}
	if cfg.CacheExpiration <= 0 {
		cfg.CacheExpiration = ocspcache.DefaultCacheExpiration
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = ocspcache.DefaultMaxClockSkew
	}

	v := &Validator{
		cfg:  cfg,
		memo: newMemo(cfg.MemoSize),
	}
	for _, opt := range opts {
		opt.apply(v)
	}

	if v.cache == nil {
		v.initCache()
	}

	attempts := cfg.MaxRetry
	if attempts <= 0 {
		attempts = responder.FailClosedAttempts
		if cfg.FailOpen {
			attempts = responder.FailOpenAttempts
		}
	}

	if v.responder == nil {
		rcfg := responder.Config{
			CacheServerURL: cfg.CacheServerURL,
			NewEndpoint:    cfg.NewEndpoint,
			FailOpen:       cfg.FailOpen,
			Policy: &retriable.RequestPolicy{
				MaxAttempts:     attempts,
				Timeout:         cfg.ResponderTimeout,
				InitialInterval: cfg.RetryInterval,
			},
		}
		if cfg.TestMode {
			rcfg.URL = cfg.ResponderURL
		}
		v.responder = responder.New(rcfg)
	}

	if v.server == nil && cfg.CacheServerEnabled {
		v.server = cacheserver.New(&retriable.RequestPolicy{
			MaxAttempts:     attempts,
			Timeout:         cfg.CacheServerTimeout,
			InitialInterval: cfg.RetryInterval,
		})
	}

	if v.shared == nil && cfg.SharedCache != nil {
		v.shared, err = cache.New(*cfg.SharedCache)
		if err != nil {
			return nil, errors.WithMessage(err, "unable to create shared cache")
		}
		v.ownShared = true
	}

	if v.sink == nil {
		v.sink = NewLogSink()
	}

	logger.KV(xlog.INFO,
		"status", "created",
		"fail_open", cfg.FailOpen,
		"cache_server", cfg.CacheServerEnabled,
		"persistent", v.persistent != nil,
		"shared", v.shared != nil)
	return v, nil
}

// initCache creates the file-backed cache,
// or the memory cache if persistence is disabled or the location is not accessible
func (v *Validator) initCache() {
	if !v.cfg.DisablePersistence {
		pc, err := ttlcache.NewPersistent[ocspcache.CacheKey, ocspcache.Result](ttlcache.PersistentConfig{
			Name:            "ocsp",
			Lifetime:        v.cfg.CacheExpiration,
			FilePaths:       ocspcache.CacheFiles(v.cfg.CacheDir, ocspcache.CacheFileName),
			FileTimeout:     v.cfg.FileTimeout,
			SaveProbability: v.cfg.SaveProbability,
		})
		if err == nil {
			v.persistent = pc
			v.cache = pc.Cache
			if path, err := ttlcache.ResolvePath("", ocspcache.CacheFiles(v.cfg.CacheDir, ocspcache.LegacyFileName)); err == nil {
				v.legacy = ocspcache.NewLegacyFile(path)
			}
			return
		}
		logger.KV(xlog.WARNING, "reason", "persistence_disabled", "err", err.Error())
	}
	v.cache = ttlcache.New[ocspcache.CacheKey, ocspcache.Result]("ocsp", v.cfg.CacheExpiration)
}

// Config returns the configuration
func (v *Validator) Config() *Config {
	return v.cfg
}

// Cache returns the cache of results
func (v *Validator) Cache() *ResultCache {
	return v.cache
}

// Validate checks revocation status of the certificate pairs of a chain, presented by hostname.
// The check is skipped for hosts not in the allow-list.
// Returned error is nil in fail-open mode, unless a certificate is revoked.
func (v *Validator) Validate(ctx context.Context, hostname string, pairs []certchain.Pair) ([]*Status, error) {
	if !IsAllowedHost(hostname, v.cfg.AllowedHosts...) {
		list := make([]*Status, 0, len(pairs))
		for _, p := range pairs {
			s := &Status{Outcome: OutcomeSkipped}
			if p.Subject != nil {
				s.Subject = p.Subject.Subject.String()
			}
			list = append(list, s)
			v.report(ctx, hostname, s)
		}
		return list, nil
	}
	return v.validate(ctx, hostname, pairs)
}

// VerifyConnection checks revocation status of the peer chain of the connection
func (v *Validator) VerifyConnection(ctx context.Context, hostname string, cs tls.ConnectionState) error {
	pairs, err := certchain.FromConnectionState(cs)
	if err != nil {
		return err
	}
	_, err = v.Validate(ctx, hostname, pairs)
	return err
}

// Verify checks revocation status of a single certificate, regardless of the allow-list
func (v *Validator) Verify(ctx context.Context, subject, issuer *x509.Certificate) (*Status, error) {
	list, err := v.validate(ctx, "", []certchain.Pair{{Issuer: issuer, Subject: subject}})
	if len(list) == 0 {
		return nil, err
	}
	return list[0], err
}

func (v *Validator) validate(ctx context.Context, hostname string, pairs []certchain.Pair) ([]*Status, error) {
	if hostname != "" {
		ctx = xlog.ContextWithKV(ctx, "peer", hostname)
	}
	targets := make([]*target, 0, len(pairs))
	for _, p := range pairs {
		t, err := newTarget(p)
		if err != nil {
			t = invalidTarget(p, err)
		}
		targets = append(targets, t)
	}

	writes := map[ocspcache.CacheKey]ocspcache.Result{}
	var missing []ocspcache.CacheKey
	for _, t := range targets {
		if t.checked {
			continue
		}
		hit, upgrade := v.probe(t)
		if upgrade != nil {
			writes[t.key] = *upgrade
		}
		if hit {
			t.status.Source = SourceCache
		} else {
			missing = append(missing, t.key)
		}
	}

	if len(missing) > 0 {
		if v.bulkLoad(ctx, hostname, missing) > 0 {
			for _, t := range targets {
				if t.checked {
					continue
				}
				hit, upgrade := v.probe(t)
				if upgrade != nil {
					writes[t.key] = *upgrade
				}
				if hit {
					t.status.Source = SourceBulk
				}
			}
		}
	}

	for _, t := range targets {
		if t.checked {
			continue
		}
		if res := v.fetch(ctx, hostname, t); res != nil {
			writes[t.key] = *res
		}
		t.status.Source = SourceResponder
	}

	if len(writes) > 0 {
		v.cache.MergeMap(writes)
		if v.shared != nil {
			v.publishShared(ctx, writes)
		}
	}
	v.persist(false)

	list := make([]*Status, len(targets))
	for i, t := range targets {
		t.status.Outcome = outcomeOf(t.status.Err)
		list[i] = t.status
	}
	err := v.decide(hostname, list)
	for _, s := range list {
		v.report(ctx, hostname, s)
	}
	return list, err
}

// decide applies the fail-open policy to the statuses of a chain
func (v *Validator) decide(hostname string, list []*Status) error {
	var first error
	for _, s := range list {
		if s.Err == nil {
			continue
		}
		if ocsperror.IsRevoked(s.Err) {
			return errors.WithMessagef(s.Err, "revocation check failed for %s", hostname)
		}
		if first == nil {
			first = s.Err
		}
	}
	if first == nil {
		return nil
	}
	if !v.cfg.FailOpen {
		return errors.WithMessagef(first, "revocation check failed for %s", hostname)
	}

	code := ocsperror.Code(first)
	for _, s := range list {
		s.FailOpen = s.Err != nil
	}
	logger.KV(xlog.WARNING,
		"reason", "fail_open",
		"host", hostname,
		"code", code,
		"err", first.Error())
	metrics.IncrCounter(metricskey.KeyFailOpen, 1, metrics.Tag{Name: "code", Value: ocsperror.CodeName(code)})
	return nil
}

func outcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeGood
	}
	switch ocsperror.Code(err) {
	case ocsperror.ErrCodeRevoked:
		return OutcomeRevoked
	case ocsperror.ErrCodeUnknown:
		return OutcomeUnknown
	default:
		return OutcomeFetchFailed
	}
}

func (v *Validator) report(ctx context.Context, hostname string, s *Status) {
	e := &Event{
		Hostname: hostname,
		Subject:  s.Subject,
		Outcome:  s.Outcome,
		Source:   s.Source,
		FailOpen: s.FailOpen,
		At:       NowFunc(),
	}
	if s.Result != nil && len(s.Result.CertID) > 0 {
		if id, err := ocspcache.ParseCertID(s.Result.CertID); err == nil {
			e.CertID, _ = id.Base64()
		}
	}
	if s.Err != nil {
		e.Code = ocsperror.Code(s.Err)
		e.Message = s.Err.Error()
	}
	if err := v.sink.Report(ctx, e); err != nil {
		logger.KV(xlog.DEBUG, "reason", "report", "err", err.Error())
	}
}

// persist saves the cache file if it was modified, and rewrites the legacy file after a save
func (v *Validator) persist(force bool) bool {
	if v.persistent == nil {
		return false
	}
	var saved bool
	if force {
		saved = v.persistent.Save(true, true)
	} else {
		saved = v.persistent.SaveIfShould()
	}
	if saved && v.legacy != nil {
		v.writeLegacy()
	}
	return saved
}

// Persist saves the cache file and the legacy file
func (v *Validator) Persist() bool {
	return v.persist(true)
}

// Stats returns telemetry
func (v *Validator) Stats() Stats {
	return Stats{
		Cache:     v.cache.Stats(),
		Hits:      v.hits.Load(),
		Misses:    v.misses.Load(),
		Fetches:   v.fetches.Load(),
		BulkLoads: v.bulkLoads.Load(),
		Memo:      v.memo.len(),
	}
}

// Clear removes all results from memory and the cache files
func (v *Validator) Clear() {
	if v.persistent != nil {
		v.persistent.Clear()
	} else {
		v.cache.Clear()
	}
	if v.legacy != nil {
		v.removeLegacy()
	}
	v.memo.purge()
}

// Close persists the cache and releases resources
func (v *Validator) Close() error {
	var err error
	v.closeOnce.Do(func() {
		v.persist(true)
		if v.ownShared && v.shared != nil {
			err = v.shared.Close()
		}
	})
	return err
}
