// Package session provides the owner of the revocation Validator for a client:
// the Validator is created on first use, and persisted on Close.
package session

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/ocspcache/pkg/cache"
	"github.com/effective-security/ocspcache/pkg/cacheserver"
	"github.com/effective-security/ocspcache/pkg/responder"
	"github.com/effective-security/ocspcache/pkg/revocation"
	"github.com/effective-security/ocspcache/pkg/transport"
	"github.com/effective-security/xlog"
	"go.uber.org/dig"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ocspcache/pkg", "session")

// ErrClosed is returned after the session is closed
var ErrClosed = errors.New("session is closed")

// Params specifies dependencies of the Session resolved from the container
type Params struct {
	dig.In

	Config      *revocation.Config
	SharedCache cache.Provider         `optional:"true"`
	Responder   responder.Fetcher      `optional:"true"`
	CacheServer cacheserver.Downloader `optional:"true"`
	EventSink   revocation.EventSink   `optional:"true"`
}

// Session owns the Validator
type Session struct {
	cfg  *revocation.Config
	opts []revocation.Option

	once      sync.Once
	validator *revocation.Validator
	err       error

	lock   sync.Mutex
	closed bool
}

// New returns Session
func New(cfg *revocation.Config, opts ...revocation.Option) *Session {
	return &Session{
		cfg:  cfg,
		opts: opts,
	}
}

// NewFromParams returns Session with dependencies from the container
func NewFromParams(p Params) *Session {
	var opts []revocation.Option
	if p.SharedCache != nil {
		opts = append(opts, revocation.WithSharedCache(p.SharedCache))
	}
	if p.Responder != nil {
		opts = append(opts, revocation.WithResponder(p.Responder))
	}
	if p.CacheServer != nil {
		opts = append(opts, revocation.WithCacheServer(p.CacheServer))
	}
	if p.EventSink != nil {
		opts = append(opts, revocation.WithEventSink(p.EventSink))
	}
	return New(p.Config, opts...)
}

// Provide registers Session in the container
func Provide(c *dig.Container) error {
	return c.Provide(NewFromParams)
}

// Validator returns the Validator, creating it on the first call
func (s *Session) Validator() (*revocation.Validator, error) {
	s.lock.Lock()
	closed := s.closed
	s.lock.Unlock()
	if closed {
		return nil, ErrClosed
	}

	s.once.Do(func() {
		s.validator, s.err = revocation.New(s.cfg, s.opts...)
		if s.err != nil {
			logger.KV(xlog.ERROR, "reason", "validator", "err", s.err.Error())
		}
	})
	return s.validator, s.err
}

// VerifyConnection checks revocation status of the peer chain
func (s *Session) VerifyConnection(ctx context.Context, hostname string, cs tls.ConnectionState) error {
	v, err := s.Validator()
	if err != nil {
		return err
	}
	return v.VerifyConnection(ctx, hostname, cs)
}

// ClientTLS returns TLS configuration for info, checking revocation status of servers
func (s *Session) ClientTLS(info *transport.TLSInfo) (*tls.Config, error) {
	info.Verifier = s
	return info.ClientTLS()
}

// Close persists the cache and releases the Validator.
// Close is idempotent.
func (s *Session) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	s.lock.Unlock()

	// the Validator is not created after close
	s.once.Do(func() {
		s.err = ErrClosed
	})
	if s.validator == nil {
		return nil
	}
	return s.validator.Close()
}
