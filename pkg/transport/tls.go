// Package transport provides TLS client configuration with revocation checks
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/ocspcache/pkg/tlsconfig"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ocspcache/pkg", "transport")

// DefaultReloadInterval specifies how often the client key pair is checked for changes
var DefaultReloadInterval = 5 * time.Minute

// Verifier checks the revocation status of the peer chain
type Verifier interface {
	// VerifyConnection returns error if the chain presented by hostname must not be trusted
	VerifyConnection(ctx context.Context, hostname string, cs tls.ConnectionState) error
}

// VerifierFunc is an adapter to use a function as Verifier
type VerifierFunc func(ctx context.Context, hostname string, cs tls.ConnectionState) error

// VerifyConnection calls f
func (f VerifierFunc) VerifyConnection(ctx context.Context, hostname string, cs tls.ConnectionState) error {
	return f(ctx, hostname, cs)
}

// TLSInfo provides TLS configuration of a client
type TLSInfo struct {
	// CertFile and KeyFile specify optional client certificate
	CertFile string `json:"cert,omitempty" yaml:"cert,omitempty"`
	KeyFile  string `json:"key,omitempty" yaml:"key,omitempty"`
	// TrustedCAFile specifies the roots, system roots are used if empty
	TrustedCAFile string `json:"trusted_ca,omitempty" yaml:"trusted_ca,omitempty"`
	// ServerName ensures the cert matches the given host in case of discovery / virtual hosting
	ServerName string `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	// InsecureSkipVerify disables chain verification, the revocation check is still performed
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`

	// Verifier is optional revocation checker of the server chain
	Verifier Verifier `json:"-" yaml:"-"`

	// HandshakeFailure is optionally called when the revocation check fails
	HandshakeFailure func(hostname string, err error) `json:"-" yaml:"-"`

	lock     sync.Mutex
	tlsCfg   *tls.Config
	reloader *tlsconfig.KeypairReloader
}

func (info *TLSInfo) String() string {
	return fmt.Sprintf("cert=%s, key=%s, trusted-ca=%s, server-name=%s, revocation=%t",
		info.CertFile, info.KeyFile, info.TrustedCAFile, info.ServerName, info.Verifier != nil)
}

// Empty returns true if the client certificate is not configured
func (info *TLSInfo) Empty() bool {
	return info.CertFile == "" || info.KeyFile == ""
}

// Close the resources
func (info *TLSInfo) Close() {
	info.lock.Lock()
	defer info.lock.Unlock()

	if info.reloader != nil {
		_ = info.reloader.Close()
		info.reloader = nil
	}
	info.tlsCfg = nil
}

// Config returns tls.Config, if it was built
func (info *TLSInfo) Config() *tls.Config {
	info.lock.Lock()
	defer info.lock.Unlock()
	return info.tlsCfg
}

// ClientTLS returns tls.Config for a client,
// with the client key pair reloaded on change and
// the revocation check installed as VerifyConnection hook
func (info *TLSInfo) ClientTLS() (*tls.Config, error) {
	info.lock.Lock()
	defer info.lock.Unlock()

	if info.tlsCfg != nil {
		return info.tlsCfg, nil
	}

	cfg, err := tlsconfig.NewClientTLSFromFiles("", "", info.TrustedCAFile)
	if err != nil {
		return nil, err
	}
	cfg.ServerName = info.ServerName
	cfg.InsecureSkipVerify = info.InsecureSkipVerify

	if !info.Empty() {
		reloader, err := tlsconfig.NewKeypairReloader("", info.CertFile, info.KeyFile, DefaultReloadInterval)
		if err != nil {
			return nil, errors.WithMessage(err, "unable to load client certificate")
		}
		info.reloader = reloader
		cfg.GetClientCertificate = reloader.GetClientCertificateFunc()
	}

	if info.Verifier != nil {
		cfg.VerifyConnection = info.verifyConnection
	}

	info.tlsCfg = cfg
	return cfg, nil
}

func (info *TLSInfo) verifyConnection(cs tls.ConnectionState) error {
	hostname := cs.ServerName
	if hostname == "" {
		hostname = info.ServerName
	}

	err := info.Verifier.VerifyConnection(context.Background(), hostname, cs)
	if err != nil {
		logger.KV(xlog.ERROR,
			"reason", "revocation_check",
			"host", hostname,
			"err", err.Error())
		if info.HandshakeFailure != nil {
			info.HandshakeFailure(hostname, err)
		}
		return err
	}
	return nil
}
