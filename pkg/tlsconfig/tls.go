// Package tlsconfig builds client TLS configuration
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/ocspcache/x/fileutil"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ocspcache/pkg", "tlsconfig")

// NewClientTLSFromFiles returns client tls.Config.
// The client certificate is optional, if rootsFile is empty the system roots are used.
func NewClientTLSFromFiles(certFile, keyFile, rootsFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if rootsFile != "" {
		pool, err := LoadRoots(rootsFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if certFile != "" || keyFile != "" {
		pair, err := LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{*pair}
	}
	return cfg, nil
}

// LoadRoots returns a pool of the certificates in PEM file
func LoadRoots(rootsFile string) (*x509.CertPool, error) {
	if err := fileutil.FileExists(rootsFile); err != nil {
		return nil, errors.WithMessage(err, "trusted CA file")
	}
	pem, err := os.ReadFile(rootsFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates found in %s", rootsFile)
	}
	return pool, nil
}

// LoadX509KeyPair reads and parses a public/private key pair from a pair of files,
// with Leaf populated
func LoadX509KeyPair(certFile, keyFile string) (*tls.Certificate, error) {
	for _, f := range []string{certFile, keyFile} {
		if err := fileutil.FileExists(f); err != nil {
			return nil, errors.WithMessage(err, "unable to load key pair")
		}
	}
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to load key pair: %s", certFile)
	}
	if pair.Leaf == nil {
		pair.Leaf, err = x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if pair.Leaf.NotAfter.Before(time.Now()) {
		return nil, errors.Errorf("tls: certificate has expired: %s", certFile)
	}
	return &pair, nil
}
