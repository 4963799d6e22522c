// Package ocspcache provides the model of the revocation cache:
// CertID based keys, validation results, freshness checks
// and the legacy shared cache file format.
package ocspcache

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/ocsp"
)

var hashOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   asn1.ObjectIdentifier([]int{1, 3, 14, 3, 2, 26}),
	crypto.SHA256: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 1}),
	crypto.SHA384: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 2}),
	crypto.SHA512: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 3}),
}

// CertID identifies a certificate in OCSP request, as defined in RFC 6960
type CertID struct {
	HashAlgorithm  pkix.AlgorithmIdentifier
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	SerialNumber   *big.Int
}

// CacheKey is the key of the revocation cache.
// Fields hold raw bytes, compared exactly.
type CacheKey struct {
	IssuerNameHash string `codec:"n"`
	IssuerKeyHash  string `codec:"k"`
	SerialNumber   string `codec:"s"`
}

// NewCacheKey returns CacheKey from the raw CertID components
func NewCacheKey(nameHash, keyHash, serial []byte) CacheKey {
	return CacheKey{
		IssuerNameHash: string(nameHash),
		IssuerKeyHash:  string(keyHash),
		SerialNumber:   string(serial),
	}
}

// String returns printable form of the key
func (k CacheKey) String() string {
	return fmt.Sprintf("%x:%x:%x", k.IssuerNameHash, k.IssuerKeyHash, k.SerialNumber)
}

// NewRequest returns DER encoded OCSP request for the subject, and its CertID
func NewRequest(issuer, subject *x509.Certificate) ([]byte, *CertID, error) {
	if issuer == nil || subject == nil {
		return nil, nil, errors.New("issuer and subject are required")
	}
	der, err := ocsp.CreateRequest(subject, issuer, &ocsp.RequestOptions{Hash: crypto.SHA1})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "unable to create OCSP request for %s", subject.Subject.CommonName)
	}
	req, err := ocsp.ParseRequest(der)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "unable to parse OCSP request")
	}
	id, err := CertIDFromRequest(req)
	if err != nil {
		return nil, nil, err
	}
	return der, id, nil
}

// CertIDFromRequest returns CertID of the parsed OCSP request
func CertIDFromRequest(req *ocsp.Request) (*CertID, error) {
	oid, ok := hashOIDs[req.HashAlgorithm]
	if !ok {
		return nil, errors.Errorf("unsupported hash algorithm: %v", req.HashAlgorithm)
	}
	return &CertID{
		HashAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oid,
			Parameters: asn1.NullRawValue,
		},
		IssuerNameHash: req.IssuerNameHash,
		IssuerKeyHash:  req.IssuerKeyHash,
		SerialNumber:   req.SerialNumber,
	}, nil
}

// ParseCertID returns CertID from DER
func ParseCertID(der []byte) (*CertID, error) {
	id := new(CertID)
	rest, err := asn1.Unmarshal(der, id)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to parse CertID")
	}
	if len(rest) > 0 {
		return nil, errors.New("trailing data after CertID")
	}
	if id.SerialNumber == nil {
		return nil, errors.New("missing serial number in CertID")
	}
	return id, nil
}

// ParseCertIDBase64 returns CertID from base64 encoded DER
func ParseCertIDBase64(s string) (*CertID, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to decode CertID")
	}
	return ParseCertID(der)
}

// Marshal returns DER encoded CertID
func (id *CertID) Marshal() ([]byte, error) {
	der, err := asn1.Marshal(*id)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to encode CertID")
	}
	return der, nil
}

// Base64 returns base64 encoded DER of CertID
func (id *CertID) Base64() (string, error) {
	der, err := id.Marshal()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// Key returns the cache key.
// The serial number component is DER encoded INTEGER.
func (id *CertID) Key() CacheKey {
	serial, err := asn1.Marshal(id.SerialNumber)
	if err != nil {
		// big.Int always encodes
		panic(err)
	}
	return NewCacheKey(id.IssuerNameHash, id.IssuerKeyHash, serial)
}

// KeyFromBase64 returns the cache key and the CertID from base64 encoded DER
func KeyFromBase64(s string) (CacheKey, *CertID, error) {
	id, err := ParseCertIDBase64(s)
	if err != nil {
		return CacheKey{}, nil, err
	}
	return id.Key(), id, nil
}
