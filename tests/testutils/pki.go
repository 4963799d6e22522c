package testutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

var serial atomic.Int64

func nextSerial() *big.Int {
	return big.NewInt(time.Now().UnixNano()/1000 + serial.Add(1))
}

// PKI is a test certificate authority
type PKI struct {
	CA  *x509.Certificate
	Key crypto.Signer
}

// NewPKI returns self-signed test CA
func NewPKI(t testing.TB) *PKI {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"ocspcache"}},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	crt, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &PKI{CA: crt, Key: key}
}

// Intermediate returns a subordinate CA, with its certificate pointing to ocspURL
func (p *PKI) Intermediate(t testing.TB, cn, ocspURL string) *PKI {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"ocspcache"}},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(5 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	if ocspURL != "" {
		template.OCSPServer = []string{ocspURL}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, p.CA, key.Public(), p.Key)
	require.NoError(t, err)
	crt, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &PKI{CA: crt, Key: key}
}

// Leaf returns end-entity certificate for the host, issued by the CA
func (p *PKI) Leaf(t testing.TB, host, ocspURL string) *x509.Certificate {
	crt, _ := p.issue(t, host, ocspURL)
	return crt
}

// ServerCert returns TLS key pair for the host, issued by the CA
func (p *PKI) ServerCert(t testing.TB, host, ocspURL string) tls.Certificate {
	crt, key := p.issue(t, host, ocspURL)
	return tls.Certificate{
		Certificate: [][]byte{crt.Raw, p.CA.Raw},
		PrivateKey:  key,
		Leaf:        crt,
	}
}

func (p *PKI) issue(t testing.TB, host, ocspURL string) (*x509.Certificate, crypto.Signer) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}
	if ocspURL != "" {
		template.OCSPServer = []string{ocspURL}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, p.CA, key.Public(), p.Key)
	require.NoError(t, err)
	crt, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return crt, key
}

// ResponseTemplate specifies OCSP response to create
type ResponseTemplate struct {
	Status           int
	ThisUpdate       time.Time
	NextUpdate       time.Time
	RevokedAt        time.Time
	RevocationReason int
}

// Response returns DER encoded OCSP response for the serial, signed by the CA
func (p *PKI) Response(t testing.TB, serialNumber *big.Int, tmpl ResponseTemplate) []byte {
	der, err := p.CreateResponse(serialNumber, tmpl)
	require.NoError(t, err)
	return der
}

// CreateResponse returns DER encoded OCSP response for the serial, signed by the CA
func (p *PKI) CreateResponse(serialNumber *big.Int, tmpl ResponseTemplate) ([]byte, error) {
	template := ocsp.Response{
		Status:           tmpl.Status,
		SerialNumber:     serialNumber,
		ThisUpdate:       tmpl.ThisUpdate,
		NextUpdate:       tmpl.NextUpdate,
		RevokedAt:        tmpl.RevokedAt,
		RevocationReason: tmpl.RevocationReason,
	}
	return ocsp.CreateResponse(p.CA, p.CA, template, p.Key)
}
