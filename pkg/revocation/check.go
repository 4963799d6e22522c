package revocation

import (
	"context"
	"crypto/x509"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/metrics"
	"github.com/effective-security/ocspcache/metricskey"
	"github.com/effective-security/ocspcache/pkg/certchain"
	"github.com/effective-security/ocspcache/pkg/ocspcache"
	"github.com/effective-security/ocspcache/pkg/ocsperror"
	"github.com/effective-security/xlog"
	"golang.org/x/crypto/ocsp"
)

// target is a single certificate to validate
type target struct {
	pair    certchain.Pair
	req     []byte
	certID  []byte
	key     ocspcache.CacheKey
	status  *Status
	checked bool
}

func newTarget(p certchain.Pair) (*target, error) {
	req, id, err := ocspcache.NewRequest(p.Issuer, p.Subject)
	if err != nil {
		return nil, err
	}
	der, err := id.Marshal()
	if err != nil {
		return nil, err
	}
	return &target{
		pair:   p,
		req:    req,
		certID: der,
		key:    id.Key(),
		status: &Status{
			Key:     id.Key(),
			Subject: p.Subject.Subject.String(),
		},
	}, nil
}

// invalidTarget returns a checked target for a pair that cannot be queried
func invalidTarget(p certchain.Pair, err error) *target {
	t := &target{
		pair:    p,
		checked: true,
		status: &Status{
			Err: ocsperror.New(ocsperror.ErrCodeInvalidCertStatus, "unable to create OCSP request").WithCause(err),
		},
	}
	if p.Subject != nil {
		t.status.Subject = p.Subject.Subject.String()
	}
	return t
}

// probe looks up the cache for the target.
// It returns true if the cached result is usable,
// and the result to write back if the entry must be upgraded to validated.
func (v *Validator) probe(t *target) (bool, *ocspcache.Result) {
	res, ok := v.cache.Get(t.key)
	if !ok {
		v.cacheMiss("miss")
		return false, nil
	}

	now := NowFunc()
	if !ocspcache.IsCacheFresh(now, res.TS, v.cfg.CacheExpiration) {
		v.cache.Delete(t.key)
		v.cacheMiss("stale")
		metrics.IncrCounter(metricskey.KeyCacheExpired, 1, metrics.Tag{Name: "cache", Value: "ocsp_freshness"})
		return false, nil
	}
	if len(res.Response) == 0 {
		v.cacheMiss("no_response")
		return false, nil
	}

	resp, err := v.memo.parse(res.Response, t.pair.Subject, t.pair.Issuer)
	if err != nil {
		logger.KV(xlog.DEBUG, "reason", "parse_cached", "key", t.key.String(), "err", err.Error())
		v.cache.Delete(t.key)
		v.cacheMiss("invalid")
		return false, nil
	}
	if verr := v.checkValidity(now, resp); verr != nil {
		logger.KV(xlog.DEBUG, "reason", "cached_validity", "key", t.key.String(), "err", verr.Error())
		v.cache.Delete(t.key)
		v.cacheMiss("validity")
		return false, nil
	}

	v.hits.Add(1)

	serr := v.checkStatus(resp, t.pair.Subject)
	var upgrade *ocspcache.Result
	if !res.Validated {
		cp := res
		cp.Issuer = t.pair.Issuer.Raw
		cp.Subject = t.pair.Subject.Raw
		cp.Err = serr
		cp.Validated = true
		upgrade = &cp
		res = cp
	}

	t.status.Result = &res
	t.status.Err = asError(serr)
	t.checked = true
	return true, upgrade
}

func (v *Validator) cacheMiss(reason string) {
	v.misses.Add(1)
	logger.KV(xlog.TRACE, "reason", "cache_miss", "miss", reason)
}

// fetch retrieves the response from the responder, and returns the result to cache.
// Only revoked and unknown results keep the response,
// other failures are cached without it and retried on the next probe.
func (v *Validator) fetch(ctx context.Context, hostname string, t *target) *ocspcache.Result {
	v.fetches.Add(1)

	now := NowFunc()
	res := &ocspcache.Result{
		Issuer:    t.pair.Issuer.Raw,
		Subject:   t.pair.Subject.Raw,
		CertID:    t.certID,
		TS:        now.Unix(),
		Validated: true,
	}

	raw, err := v.responder.Fetch(ctx, t.req, t.pair.Subject, t.certID, hostname)
	if err != nil {
		res.Err = ocsperror.As(err)
		if res.Err == nil {
			res.Err = ocsperror.New(ocsperror.ErrCodeFetchException, "unable to fetch OCSP response").WithCause(err)
		}
	} else if resp, perr := v.memo.parse(raw, t.pair.Subject, t.pair.Issuer); perr != nil {
		res.Err = parseError(raw, perr)
	} else {
		res.Response = raw
		res.Err = v.checkStatus(resp, t.pair.Subject)
		if res.Err == nil {
			res.Err = v.checkValidity(now, resp)
		}
	}

	if res.Err != nil && res.Err.Code != ocsperror.ErrCodeRevoked && res.Err.Code != ocsperror.ErrCodeUnknown {
		res.Response = nil
	}

	t.status.Result = res
	t.status.Err = asError(res.Err)
	t.checked = true
	return res
}

// checkValidity returns error if now is out of the validity window of the response
func (v *Validator) checkValidity(now time.Time, resp *ocsp.Response) *ocsperror.Error {
	if v.cfg.InjectValidityError {
		return ocsperror.New(ocsperror.ErrCodeInvalidValidity, "injected validity error")
	}
	if !ocspcache.IsValidityRange(now, resp.ThisUpdate, resp.NextUpdate, v.cfg.MaxClockSkew) {
		return ocsperror.New(ocsperror.ErrCodeInvalidValidity,
			"OCSP response is out of validity range: this_update=%s, next_update=%s, now=%s",
			resp.ThisUpdate.UTC().Format(time.RFC3339),
			resp.NextUpdate.UTC().Format(time.RFC3339),
			now.UTC().Format(time.RFC3339))
	}
	return nil
}

// checkStatus returns error for revoked or unknown certificate
func (v *Validator) checkStatus(resp *ocsp.Response, subject *x509.Certificate) *ocsperror.Error {
	if v.cfg.InjectUnknownStatus {
		return ocsperror.New(ocsperror.ErrCodeUnknown, "injected unknown status: %s", subject.Subject.CommonName)
	}
	switch resp.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return ocsperror.Revoked(resp.RevokedAt, resp.RevocationReason,
			"certificate is revoked: %s, serial %s", subject.Subject.CommonName, subject.SerialNumber.String())
	default:
		return ocsperror.New(ocsperror.ErrCodeUnknown, "OCSP responder returned unknown status: %s", subject.Subject.CommonName)
	}
}

// parseError maps the error of ocsp.ParseResponseForCert to a coded error
func parseError(raw []byte, err error) *ocsperror.Error {
	if len(raw) == 0 {
		return ocsperror.New(ocsperror.ErrCodeResponseUnavailable, "empty OCSP response")
	}
	var rerr ocsp.ResponseError
	if errors.As(err, &rerr) {
		return ocsperror.New(ocsperror.ErrCodeResponseUnavailable, "OCSP responder returned error status").WithCause(err)
	}
	if strings.Contains(err.Error(), "matching the supplied certificate") {
		return ocsperror.New(ocsperror.ErrCodeInvalidCertStatus, "OCSP response does not match the certificate").WithCause(err)
	}
	return ocsperror.New(ocsperror.ErrCodeInvalidAttachedCert, "unable to verify OCSP response").WithCause(err)
}

// asError avoids a typed nil in error interface
func asError(e *ocsperror.Error) error {
	if e == nil {
		return nil
	}
	return e
}
