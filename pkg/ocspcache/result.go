package ocspcache

import (
	"crypto/x509"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/ocspcache/pkg/ocsperror"
)

const (
	// DefaultCacheExpiration specifies how long a cached result stays fresh
	DefaultCacheExpiration = 120 * time.Hour
	// DefaultMaxClockSkew specifies tolerated clock difference with the responder
	DefaultMaxClockSkew = 900 * time.Second
)

// Result is the outcome of validation of a single certificate.
// Results are replaced wholesale, never modified after they are cached.
type Result struct {
	// Err is the validation error, if any
	Err *ocsperror.Error `codec:"err,omitempty"`
	// Issuer is DER encoded issuer certificate
	Issuer []byte `codec:"issuer,omitempty"`
	// Subject is DER encoded subject certificate
	Subject []byte `codec:"subject,omitempty"`
	// CertID is DER encoded CertID
	CertID []byte `codec:"cert_id"`
	// Response is DER encoded OCSP response
	Response []byte `codec:"response,omitempty"`
	// TS is the unix time the result was produced
	TS int64 `codec:"ts"`
	// Validated is false for results imported from a bulk cache,
	// and not yet confirmed by this process
	Validated bool `codec:"validated"`
}

// IssuerCert returns parsed issuer certificate
func (r *Result) IssuerCert() (*x509.Certificate, error) {
	if len(r.Issuer) == 0 {
		return nil, errors.New("issuer is not set")
	}
	return x509.ParseCertificate(r.Issuer)
}

// SubjectCert returns parsed subject certificate
func (r *Result) SubjectCert() (*x509.Certificate, error) {
	if len(r.Subject) == 0 {
		return nil, errors.New("subject is not set")
	}
	return x509.ParseCertificate(r.Subject)
}

// Failure returns the validation error, or nil
func (r *Result) Failure() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// IsCacheFresh returns true if a result produced at ts is still usable at now
func IsCacheFresh(now time.Time, ts int64, expiration time.Duration) bool {
	if expiration <= 0 {
		expiration = DefaultCacheExpiration
	}
	return now.Unix()-int64(expiration/time.Second) <= ts
}

// TolerableValidity returns the grace period after nextUpdate:
// 1% of the response validity range, but not less than maxSkew
func TolerableValidity(thisUpdate, nextUpdate time.Time, maxSkew time.Duration) time.Duration {
	d := nextUpdate.Sub(thisUpdate) / 100
	if d < maxSkew {
		return maxSkew
	}
	return d
}

// IsValidityRange returns true if now is in the response validity window,
// extended by clock skew before thisUpdate and by the tolerable validity after nextUpdate
func IsValidityRange(now, thisUpdate, nextUpdate time.Time, maxSkew time.Duration) bool {
	if thisUpdate.IsZero() || nextUpdate.IsZero() {
		return false
	}
	if now.Before(thisUpdate.Add(-maxSkew)) {
		return false
	}
	return !now.After(nextUpdate.Add(TolerableValidity(thisUpdate, nextUpdate, maxSkew)))
}
