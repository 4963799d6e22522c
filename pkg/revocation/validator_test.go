package revocation_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/effective-security/ocspcache/pkg/cache"
	"github.com/effective-security/ocspcache/pkg/cacheserver"
	"github.com/effective-security/ocspcache/pkg/certchain"
	"github.com/effective-security/ocspcache/pkg/ocspcache"
	"github.com/effective-security/ocspcache/pkg/ocsperror"
	"github.com/effective-security/ocspcache/pkg/retriable"
	"github.com/effective-security/ocspcache/pkg/revocation"
	"github.com/effective-security/ocspcache/pkg/ttlcache"
	"github.com/effective-security/ocspcache/tests/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

const testHost = "acct.snowflakecomputing.com"

type clock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

func (c *clock) Set(now time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = now
}

func useClock(t *testing.T) *clock {
	c := &clock{now: time.Now().UTC().Truncate(time.Second)}
	revocation.NowFunc = c.Now
	ttlcache.NowFunc = c.Now
	cache.NowFunc = c.Now
	t.Cleanup(func() {
		revocation.NowFunc = time.Now
		ttlcache.NowFunc = time.Now
		cache.NowFunc = time.Now
	})
	return c
}

type recorder struct {
	lock   sync.Mutex
	events []*revocation.Event
}

func (r *recorder) Report(_ context.Context, e *revocation.Event) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Events() []*revocation.Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]*revocation.Event{}, r.events...)
}

type fixture struct {
	clk   *clock
	pki   *testutils.PKI
	resp  *testutils.Responder
	leaf  *x509.Certificate
	pairs []certchain.Pair
}

func newFixture(t *testing.T) *fixture {
	clk := useClock(t)
	pki := testutils.NewPKI(t)
	resp := testutils.NewResponder(t, pki)
	resp.SetStatus(func(*big.Int) testutils.ResponseTemplate {
		now := clk.Now()
		return testutils.ResponseTemplate{
			Status:     ocsp.Good,
			ThisUpdate: now,
			NextUpdate: now.Add(24 * time.Hour),
		}
	})
	leaf := pki.Leaf(t, testHost, resp.URL)
	return &fixture{
		clk:   clk,
		pki:   pki,
		resp:  resp,
		leaf:  leaf,
		pairs: []certchain.Pair{{Issuer: pki.CA, Subject: leaf}},
	}
}

func connState(chain ...*x509.Certificate) tls.ConnectionState {
	return tls.ConnectionState{PeerCertificates: chain}
}

func testConfig() *revocation.Config {
	cfg := revocation.DefaultConfig()
	cfg.DisablePersistence = true
	cfg.CacheServerEnabled = false
	cfg.FailOpen = false
	cfg.MaxRetry = 1
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.ResponderTimeout = 2 * time.Second
	return cfg
}

func newValidator(t *testing.T, cfg *revocation.Config, opts ...revocation.Option) *revocation.Validator {
	v, err := revocation.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = v.Close()
	})
	return v
}

func keyOf(t *testing.T, p certchain.Pair) (ocspcache.CacheKey, []byte) {
	_, id, err := ocspcache.NewRequest(p.Issuer, p.Subject)
	require.NoError(t, err)
	der, err := id.Marshal()
	require.NoError(t, err)
	return id.Key(), der
}

func TestNew(t *testing.T) {
	v, err := revocation.New(nil, revocation.WithCache(ttlcache.New[ocspcache.CacheKey, ocspcache.Result]("test", time.Hour)))
	require.NoError(t, err)
	defer v.Close()

	cfg := v.Config()
	assert.True(t, cfg.FailOpen)
	assert.True(t, cfg.CacheServerEnabled)
	assert.Equal(t, ocspcache.DefaultCacheExpiration, cfg.CacheExpiration)
	assert.Equal(t, "test", v.Cache().Name())

	cfg = testConfig()
	cfg.CacheExpiration = 0
	cfg.MaxClockSkew = 0
	v = newValidator(t, cfg)
	assert.Equal(t, ocspcache.DefaultCacheExpiration, v.Config().CacheExpiration)
	assert.Equal(t, ocspcache.DefaultMaxClockSkew, v.Config().MaxClockSkew)
	assert.Equal(t, ocspcache.DefaultCacheExpiration, v.Cache().Lifetime())
	// the caller's config is not modified
	assert.Equal(t, time.Duration(0), cfg.CacheExpiration)

	cfg = testConfig()
	cfg.SharedCache = &cache.Config{Provider: "unknown"}
	_, err = revocation.New(cfg)
	assert.EqualError(t, err, "unable to create shared cache: cache provider not supported: unknown")
}

func TestValidate_Good(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	v := newValidator(t, testConfig(), revocation.WithEventSink(rec))
	ctx := context.Background()

	list, err := v.Validate(ctx, testHost, f.pairs)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, revocation.OutcomeGood, list[0].Outcome)
	assert.Equal(t, revocation.SourceResponder, list[0].Source)
	assert.Equal(t, f.leaf.Subject.String(), list[0].Subject)
	require.NotNil(t, list[0].Result)
	assert.True(t, list[0].Result.Validated)
	assert.Equal(t, f.clk.Now().Unix(), list[0].Result.TS)
	assert.Equal(t, 1, f.resp.Hits())

	list, err = v.Validate(ctx, testHost+".", f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.OutcomeGood, list[0].Outcome)
	assert.Equal(t, revocation.SourceCache, list[0].Source)
	assert.Equal(t, 1, f.resp.Hits())

	st := v.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Fetches)
	assert.Equal(t, uint64(1), st.Cache.Size)
	assert.Equal(t, 1, st.Memo)

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, testHost, events[0].Hostname)
	assert.Equal(t, revocation.OutcomeGood, events[0].Outcome)
	assert.NotEmpty(t, events[0].CertID)
	assert.Equal(t, revocation.SourceCache, events[1].Source)

	// VerifyConnection uses the peer chain
	err = v.VerifyConnection(ctx, testHost, connState(f.leaf, f.pki.CA))
	require.NoError(t, err)
	assert.Equal(t, 1, f.resp.Hits())
}

func TestValidate_ResponseWindow(t *testing.T) {
	f := newFixture(t)
	t0 := f.clk.Now()
	f.resp.SetStatus(func(*big.Int) testutils.ResponseTemplate {
		now := f.clk.Now()
		return testutils.ResponseTemplate{
			Status:     ocsp.Good,
			ThisUpdate: now,
			NextUpdate: now.Add(time.Hour),
		}
	})
	v := newValidator(t, testConfig())
	ctx := context.Background()

	_, err := v.Validate(ctx, testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, 1, f.resp.Hits())

	f.clk.Add(1800 * time.Second)
	list, err := v.Validate(ctx, testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.SourceCache, list[0].Source)
	assert.Equal(t, 1, f.resp.Hits())

	tolerable := ocspcache.TolerableValidity(t0, t0.Add(time.Hour), ocspcache.DefaultMaxClockSkew)
	assert.Equal(t, ocspcache.DefaultMaxClockSkew, tolerable)

	f.clk.Set(t0.Add(time.Hour + tolerable))
	list, err = v.Validate(ctx, testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.SourceCache, list[0].Source, "the last second of tolerable validity")
	assert.Equal(t, 1, f.resp.Hits())

	f.clk.Set(t0.Add(time.Hour + tolerable + time.Second))
	list, err = v.Validate(ctx, testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.SourceResponder, list[0].Source)
	assert.Equal(t, revocation.OutcomeGood, list[0].Outcome)
	assert.Equal(t, 2, f.resp.Hits())
}

func TestValidate_Freshness(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.CacheExpiration = time.Hour
	results := ttlcache.New[ocspcache.CacheKey, ocspcache.Result]("results", 24*time.Hour)
	v := newValidator(t, cfg, revocation.WithCache(results))
	ctx := context.Background()

	_, err := v.Validate(ctx, testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, 1, f.resp.Hits())

	f.clk.Add(2 * time.Hour)
	key, _ := keyOf(t, f.pairs[0])
	_, ok := results.Peek(key)
	require.True(t, ok, "the entry is not expired by TTL")

	list, err := v.Validate(ctx, testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.SourceResponder, list[0].Source)
	assert.Equal(t, 2, f.resp.Hits())
	assert.Equal(t, uint64(0), results.Stats().Expiration)

	res, ok := results.Peek(key)
	require.True(t, ok)
	assert.Equal(t, f.clk.Now().Unix(), res.TS)
}

func TestValidate_RevokedSticky(t *testing.T) {
	f := newFixture(t)
	revokedAt := f.clk.Now().Add(-time.Hour).Truncate(time.Second)
	f.resp.SetStatus(func(*big.Int) testutils.ResponseTemplate {
		now := f.clk.Now()
		return testutils.ResponseTemplate{
			Status:           ocsp.Revoked,
			ThisUpdate:       now,
			NextUpdate:       now.Add(24 * time.Hour),
			RevokedAt:        revokedAt,
			RevocationReason: ocsp.KeyCompromise,
		}
	})

	for _, failOpen := range []bool{true, false} {
		cfg := testConfig()
		cfg.FailOpen = failOpen
		v := newValidator(t, cfg)
		hits := f.resp.Hits()

		for i := 0; i < 2; i++ {
			list, err := v.Validate(context.Background(), testHost, f.pairs)
			require.Error(t, err)
			assert.True(t, ocsperror.IsRevoked(err))
			assert.Contains(t, err.Error(), "revocation check failed for "+testHost)

			oerr := ocsperror.As(err)
			require.NotNil(t, oerr)
			assert.True(t, revokedAt.Equal(oerr.RevokedAt))
			assert.Equal(t, ocsp.KeyCompromise, oerr.RevocationReason)

			require.Len(t, list, 1)
			assert.Equal(t, revocation.OutcomeRevoked, list[0].Outcome)
			assert.False(t, list[0].FailOpen)
		}
		assert.Equal(t, hits+1, f.resp.Hits(), "revoked result is reused")
	}
}

func TestValidate_FailOpen(t *testing.T) {
	f := newFixture(t)
	f.resp.SetDelay(500 * time.Millisecond)

	cfg := testConfig()
	cfg.ResponderTimeout = 50 * time.Millisecond

	t.Run("closed", func(t *testing.T) {
		v := newValidator(t, cfg)
		list, err := v.Validate(context.Background(), testHost, f.pairs)
		require.Error(t, err)
		assert.Equal(t, ocsperror.ErrCodeFetchException, ocsperror.Code(err))
		assert.True(t, ocsperror.IsTimeout(err))
		assert.Contains(t, err.Error(), "revocation check failed for "+testHost)
		require.Len(t, list, 1)
		assert.Equal(t, revocation.OutcomeFetchFailed, list[0].Outcome)
		assert.False(t, list[0].FailOpen)
	})

	t.Run("open", func(t *testing.T) {
		rec := &recorder{}
		ocfg, err := cfg.Copy()
		require.NoError(t, err)
		ocfg.FailOpen = true

		v := newValidator(t, ocfg, revocation.WithEventSink(rec))
		list, err := v.Validate(context.Background(), testHost, f.pairs)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, revocation.OutcomeFetchFailed, list[0].Outcome)
		assert.True(t, list[0].FailOpen)
		assert.Equal(t, ocsperror.ErrCodeFetchException, ocsperror.Code(list[0].Err))

		events := rec.Events()
		require.Len(t, events, 1)
		assert.True(t, events[0].FailOpen)
		assert.Equal(t, ocsperror.ErrCodeFetchException, events[0].Code)
	})
}

func TestValidate_InvalidPair(t *testing.T) {
	f := newFixture(t)
	pairs := []certchain.Pair{
		{Issuer: nil, Subject: f.leaf},
		f.pairs[0],
	}

	t.Run("closed", func(t *testing.T) {
		v := newValidator(t, testConfig())
		list, err := v.Validate(context.Background(), testHost, pairs)
		require.Error(t, err)
		assert.Equal(t, ocsperror.ErrCodeInvalidCertStatus, ocsperror.Code(err))
		require.Len(t, list, 2)
		assert.Equal(t, revocation.OutcomeFetchFailed, list[0].Outcome)
		assert.Equal(t, f.leaf.Subject.String(), list[0].Subject)
		assert.NoError(t, list[1].Err)
	})

	t.Run("open", func(t *testing.T) {
		rec := &recorder{}
		cfg := testConfig()
		cfg.FailOpen = true

		v := newValidator(t, cfg, revocation.WithEventSink(rec))
		list, err := v.Validate(context.Background(), testHost, pairs)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.True(t, list[0].FailOpen)
		assert.Equal(t, ocsperror.ErrCodeInvalidCertStatus, ocsperror.Code(list[0].Err))
		assert.Equal(t, revocation.OutcomeGood, list[1].Outcome)

		events := rec.Events()
		require.Len(t, events, 2)
		assert.Equal(t, ocsperror.ErrCodeInvalidCertStatus, events[0].Code)
	})
}

func TestValidate_FailClosedRetries(t *testing.T) {
	f := newFixture(t)
	f.resp.SetHTTPStatus(http.StatusInternalServerError)

	cfg := testConfig()
	cfg.MaxRetry = 0
	v := newValidator(t, cfg)

	_, err := v.Validate(context.Background(), testHost, f.pairs)
	require.Error(t, err)
	assert.Equal(t, ocsperror.ErrCodeFetchFailed, ocsperror.Code(err))
	assert.Equal(t, 3, f.resp.Hits())

	// failures are not reused
	f.resp.SetHTTPStatus(http.StatusOK)
	list, err := v.Validate(context.Background(), testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.OutcomeGood, list[0].Outcome)
	assert.Equal(t, 4, f.resp.Hits())
}

func TestValidate_InvalidResponses(t *testing.T) {
	f := newFixture(t)
	other := testutils.NewPKI(t)
	now := f.clk.Now()
	good := testutils.ResponseTemplate{Status: ocsp.Good, ThisUpdate: now, NextUpdate: now.Add(time.Hour)}

	tcases := []struct {
		name string
		raw  []byte
		code int
	}{
		{"garbage", []byte("not a response"), ocsperror.ErrCodeInvalidAttachedCert},
		{"malformed", ocsp.MalformedRequestErrorResponse, ocsperror.ErrCodeResponseUnavailable},
		{"other_issuer", other.Response(t, f.leaf.SerialNumber, good), ocsperror.ErrCodeInvalidAttachedCert},
		{"other_serial", f.pki.Response(t, big.NewInt(42), good), ocsperror.ErrCodeInvalidCertStatus},
		{"expired", f.pki.Response(t, f.leaf.SerialNumber, testutils.ResponseTemplate{
			Status:     ocsp.Good,
			ThisUpdate: now.Add(-48 * time.Hour),
			NextUpdate: now.Add(-24 * time.Hour),
		}), ocsperror.ErrCodeInvalidValidity},
		{"not_yet_valid", f.pki.Response(t, f.leaf.SerialNumber, testutils.ResponseTemplate{
			Status:     ocsp.Good,
			ThisUpdate: now.Add(time.Hour),
			NextUpdate: now.Add(2 * time.Hour),
		}), ocsperror.ErrCodeInvalidValidity},
		{"unknown", f.pki.Response(t, f.leaf.SerialNumber, testutils.ResponseTemplate{
			Status:     ocsp.Unknown,
			ThisUpdate: now,
			NextUpdate: now.Add(time.Hour),
		}), ocsperror.ErrCodeUnknown},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f.resp.SetRawResponse(tc.raw)
			v := newValidator(t, testConfig())

			list, err := v.Validate(context.Background(), testHost, f.pairs)
			require.Error(t, err)
			assert.Equal(t, tc.code, ocsperror.Code(err), err.Error())
			require.Len(t, list, 1)
			if tc.code == ocsperror.ErrCodeUnknown {
				assert.Equal(t, revocation.OutcomeUnknown, list[0].Outcome)
				assert.NotEmpty(t, list[0].Result.Response)
			} else {
				assert.Equal(t, revocation.OutcomeFetchFailed, list[0].Outcome)
				assert.Empty(t, list[0].Result.Response)
			}
		})
	}
}

func TestValidate_SkippedHost(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	v := newValidator(t, testConfig(), revocation.WithEventSink(rec))

	for _, host := range []string{"", "example.com", "snowflakecomputing.com.evil.org"} {
		list, err := v.Validate(context.Background(), host, f.pairs)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, revocation.OutcomeSkipped, list[0].Outcome)
		assert.Nil(t, list[0].Result)
	}
	assert.Equal(t, 0, f.resp.Hits())
	assert.Equal(t, 0, v.Cache().Len())
	assert.Len(t, rec.Events(), 3)

	// allowed by configuration
	cfg := testConfig()
	cfg.AllowedHosts = []string{"example.com"}
	v = newValidator(t, cfg)
	list, err := v.Validate(context.Background(), "db.example.com", f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.OutcomeGood, list[0].Outcome)
	assert.Equal(t, 1, f.resp.Hits())

	// Verify does not check the host
	st, err := v.Verify(context.Background(), f.leaf, f.pki.CA)
	require.NoError(t, err)
	assert.Equal(t, revocation.OutcomeGood, st.Outcome)
	assert.Equal(t, revocation.SourceCache, st.Source)
}

func TestValidate_TestModeInjections(t *testing.T) {
	f := newFixture(t)

	cfg := testConfig()
	cfg.TestMode = true
	cfg.InjectUnknownStatus = true
	v := newValidator(t, cfg)
	_, err := v.Validate(context.Background(), testHost, f.pairs)
	assert.Equal(t, ocsperror.ErrCodeUnknown, ocsperror.Code(err))

	cfg = testConfig()
	cfg.TestMode = true
	cfg.InjectValidityError = true
	v = newValidator(t, cfg)
	_, err = v.Validate(context.Background(), testHost, f.pairs)
	assert.Equal(t, ocsperror.ErrCodeInvalidValidity, ocsperror.Code(err))

	// responder URL override
	pki := testutils.NewPKI(t)
	resp := testutils.NewResponder(t, pki)
	leaf := pki.Leaf(t, testHost, "")

	cfg = testConfig()
	cfg.TestMode = true
	cfg.ResponderURL = resp.URL
	v = newValidator(t, cfg)
	list, err := v.Validate(context.Background(), testHost, []certchain.Pair{{Issuer: pki.CA, Subject: leaf}})
	require.NoError(t, err)
	assert.Equal(t, revocation.OutcomeGood, list[0].Outcome)
	assert.Equal(t, 1, resp.Hits())

	// no responder URL
	cfg.TestMode = false
	v = newValidator(t, cfg)
	_, err = v.Validate(context.Background(), testHost, []certchain.Pair{{Issuer: pki.CA, Subject: leaf}})
	assert.Equal(t, ocsperror.ErrCodeURLInfoMissing, ocsperror.Code(err))
}

// chain returns the pairs of leaf <- intermediate <- root, and the responder of the intermediate
func chain(t *testing.T, f *fixture) ([]certchain.Pair, *testutils.PKI, *testutils.Responder) {
	inter := f.pki.Intermediate(t, "Test Intermediate", f.resp.URL)
	resp := testutils.NewResponder(t, inter)
	leaf := inter.Leaf(t, testHost, resp.URL)
	return certchain.FromChain([]*x509.Certificate{leaf, inter.CA, f.pki.CA}), inter, resp
}

func bundle(t *testing.T, f *fixture, signers map[*x509.Certificate]*testutils.PKI, pairs ...certchain.Pair) map[ocspcache.CacheKey]ocspcache.LegacyRecord {
	now := f.clk.Now()
	recs := map[ocspcache.CacheKey]ocspcache.LegacyRecord{}
	for _, p := range pairs {
		key, der := keyOf(t, p)
		recs[key] = ocspcache.LegacyRecord{
			CertID: der,
			TS:     now.Unix(),
			Response: signers[p.Issuer].Response(t, p.Subject.SerialNumber, testutils.ResponseTemplate{
				Status:     ocsp.Good,
				ThisUpdate: now,
				NextUpdate: now.Add(24 * time.Hour),
			}),
		}
	}
	return recs
}

func TestValidate_BulkCacheServer(t *testing.T) {
	f := newFixture(t)
	pairs, inter, interResp := chain(t, f)
	require.Len(t, pairs, 2)
	signers := map[*x509.Certificate]*testutils.PKI{inter.CA: inter, f.pki.CA: f.pki}

	cs := testutils.NewCacheServer(t, bundle(t, f, signers, pairs...))

	cfg := testConfig()
	cfg.CacheServerEnabled = true
	cfg.CacheServerURL = cs.URL()
	results := ttlcache.New[ocspcache.CacheKey, ocspcache.Result]("results", time.Hour)
	v := newValidator(t, cfg,
		revocation.WithCache(results),
		revocation.WithCacheServer(cacheserver.New(&retriable.RequestPolicy{MaxAttempts: 1})),
	)

	list, err := v.Validate(context.Background(), testHost, pairs)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, s := range list {
		assert.Equal(t, revocation.OutcomeGood, s.Outcome)
		assert.Equal(t, revocation.SourceBulk, s.Source)
		assert.True(t, s.Result.Validated)

		res, ok := results.Peek(s.Key)
		require.True(t, ok)
		assert.True(t, res.Validated, "upgraded after the check")
		assert.NotEmpty(t, res.Issuer)
	}
	assert.Equal(t, 1, cs.Hits(), "downloaded once per chain")
	assert.Equal(t, 0, f.resp.Hits())
	assert.Equal(t, 0, interResp.Hits())
	assert.Equal(t, uint64(1), v.Stats().BulkLoads)

	// nothing missing, no download
	_, err = v.Validate(context.Background(), testHost, pairs)
	require.NoError(t, err)
	assert.Equal(t, 1, cs.Hits())

	// the bundle misses the leaf
	results.Clear()
	cs.SetRecords(t, bundle(t, f, signers, pairs[1]))
	list, err = v.Validate(context.Background(), testHost, pairs)
	require.NoError(t, err)
	assert.Equal(t, 2, cs.Hits())
	assert.Equal(t, revocation.SourceResponder, list[0].Source)
	assert.Equal(t, revocation.SourceBulk, list[1].Source)
	assert.Equal(t, 1, interResp.Hits())

	// unavailable cache server falls back to the responder
	results.Clear()
	cs.SetStatuses(http.StatusServiceUnavailable)
	list, err = v.Validate(context.Background(), testHost, pairs[:1])
	require.NoError(t, err)
	assert.Equal(t, revocation.SourceResponder, list[0].Source)
	assert.Equal(t, 3, cs.Hits())
	assert.Equal(t, 2, interResp.Hits())
}

func TestValidate_BulkStaleRecords(t *testing.T) {
	f := newFixture(t)
	key, der := keyOf(t, f.pairs[0])
	now := f.clk.Now()

	recs := map[ocspcache.CacheKey]ocspcache.LegacyRecord{
		key: {
			CertID: der,
			TS:     now.Add(-ocspcache.DefaultCacheExpiration - time.Second).Unix(),
			Response: f.pki.Response(t, f.leaf.SerialNumber, testutils.ResponseTemplate{
				Status:     ocsp.Good,
				ThisUpdate: now,
				NextUpdate: now.Add(time.Hour),
			}),
		},
	}
	cs := testutils.NewCacheServer(t, recs)

	cfg := testConfig()
	cfg.CacheServerEnabled = true
	cfg.CacheServerURL = cs.URL()
	v := newValidator(t, cfg)

	list, err := v.Validate(context.Background(), testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.SourceResponder, list[0].Source)
	assert.Equal(t, 1, cs.Hits())
	assert.Equal(t, 1, f.resp.Hits())
}

func TestValidate_SharedCache(t *testing.T) {
	f := newFixture(t)
	shared := cache.NewMemoryProvider("ocsp")
	defer shared.Close()

	a := newValidator(t, testConfig(), revocation.WithSharedCache(shared))
	_, err := a.Validate(context.Background(), testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, 1, f.resp.Hits())

	keys, err := shared.Keys(context.Background(), "*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	b := newValidator(t, testConfig(), revocation.WithSharedCache(shared))
	list, err := b.Validate(context.Background(), testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.SourceBulk, list[0].Source)
	assert.Equal(t, revocation.OutcomeGood, list[0].Outcome)
	assert.Equal(t, 1, f.resp.Hits())

	// owned store is created from configuration
	cfg := testConfig()
	cfg.SharedCache = &cache.Config{Provider: "memory"}
	c := newValidator(t, cfg)
	_, err = c.Validate(context.Background(), testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, 2, f.resp.Hits())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestValidate_Persistence(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	cfg := testConfig()
	cfg.DisablePersistence = false
	cfg.CacheDir = dir
	cfg.SaveProbability = 1

	a := newValidator(t, cfg)
	_, err := a.Validate(context.Background(), testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, 1, f.resp.Hits())

	cacheFile := filepath.Join(dir, ocspcache.CacheFileName)
	legacyFile := filepath.Join(dir, ocspcache.LegacyFileName)
	assert.FileExists(t, cacheFile)
	assert.FileExists(t, legacyFile)

	key, _ := keyOf(t, f.pairs[0])
	recs, err := ocspcache.NewLegacyFile(legacyFile).Read()
	require.NoError(t, err)
	require.Contains(t, recs, key)
	assert.Equal(t, f.clk.Now().Unix(), recs[key].TS)

	// another process loads the cache file
	f.resp.SetHTTPStatus(http.StatusInternalServerError)
	b := newValidator(t, cfg)
	list, err := b.Validate(context.Background(), testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.SourceCache, list[0].Source)
	assert.Equal(t, 1, f.resp.Hits())

	// another driver shares only the legacy file
	dir2 := t.TempDir()
	raw, err := os.ReadFile(legacyFile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir2, ocspcache.LegacyFileName), raw, 0600))

	cfg2, err := cfg.Copy()
	require.NoError(t, err)
	cfg2.CacheDir = dir2
	c := newValidator(t, cfg2)
	list, err = c.Validate(context.Background(), testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.SourceBulk, list[0].Source)
	assert.Equal(t, revocation.OutcomeGood, list[0].Outcome)
	assert.Equal(t, 1, f.resp.Hits())

	res, ok := c.Cache().Peek(key)
	require.True(t, ok)
	assert.True(t, res.Validated)

	// Clear removes both files
	a.Clear()
	assert.Equal(t, 0, a.Cache().Len())
	assert.NoFileExists(t, cacheFile)
	assert.NoFileExists(t, legacyFile)

	assert.True(t, b.Persist())
	assert.FileExists(t, cacheFile)
	assert.FileExists(t, legacyFile)
}

func TestValidate_PersistenceFallback(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	notDir := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0600))

	cfg := testConfig()
	cfg.DisablePersistence = false
	cfg.CacheDir = notDir
	v := newValidator(t, cfg)

	list, err := v.Validate(context.Background(), testHost, f.pairs)
	require.NoError(t, err)
	assert.Equal(t, revocation.OutcomeGood, list[0].Outcome)
	assert.False(t, v.Persist())
}

func TestValidate_Concurrent(t *testing.T) {
	f := newFixture(t)
	v := newValidator(t, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				list, err := v.Validate(context.Background(), testHost, f.pairs)
				assert.NoError(t, err)
				if assert.Len(t, list, 1) {
					assert.Equal(t, revocation.OutcomeGood, list[0].Outcome)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, v.Cache().Len())
}
