// Package responder provides the client of OCSP responders
package responder

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/effective-security/metrics"
	"github.com/effective-security/ocspcache/metricskey"
	"github.com/effective-security/ocspcache/pkg/cacheserver"
	"github.com/effective-security/ocspcache/pkg/ocsperror"
	"github.com/effective-security/ocspcache/pkg/retriable"
	"github.com/effective-security/ocspcache/xhttp/header"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ocspcache/pkg", "responder")

const (
	// DefaultTimeout specifies timeout of a single fetch attempt
	DefaultTimeout = 10 * time.Second
	// FailOpenAttempts is the number of attempts in fail-open mode
	FailOpenAttempts = 1
	// FailClosedAttempts is the number of attempts in fail-closed mode
	FailClosedAttempts = 3

	// maxGetURLLength is the length of escaped request,
	// starting from which POST is used
	maxGetURLLength = 255
	// maxResponseSize limits the size of OCSP response
	maxResponseSize = 1024 * 1024
)

// Fetcher returns raw OCSP response
type Fetcher interface {
	Fetch(ctx context.Context, ocspReq []byte, subject *x509.Certificate, certID []byte, hostname string) ([]byte, error)
}

// Config provides configuration of the responder client
type Config struct {
	// URL overrides the responder URL of certificates, used in test mode
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// CacheServerURL overrides the URL of the cache server
	CacheServerURL string `json:"cache_server_url,omitempty" yaml:"cache_server_url,omitempty"`
	// NewEndpoint enables the proxy endpoint derived from the hostname
	NewEndpoint bool `json:"new_endpoint,omitempty" yaml:"new_endpoint,omitempty"`
	// DisablePOST forces GET requests regardless of the request size
	DisablePOST bool `json:"disable_post,omitempty" yaml:"disable_post,omitempty"`
	// FailOpen selects the number of attempts, if not specified by Policy
	FailOpen bool `json:"fail_open,omitempty" yaml:"fail_open,omitempty"`
	// Policy specifies retries
	Policy *retriable.RequestPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// envelope is the body of a request to the proxy endpoint
type envelope struct {
	Hostname     string `json:"hostname"`
	OCSPRequest  string `json:"ocsp_request"`
	CertID       string `json:"cert_id"`
	ResponderURL string `json:"ocsp_responder_url"`
}

// Client fetches OCSP responses
type Client struct {
	cfg  Config
	http *retriable.Client
}

// New returns Client
func New(cfg Config, opts ...retriable.ClientOption) *Client {
	policy := cfg.Policy.Policy()
	if cfg.Policy == nil || cfg.Policy.MaxAttempts == 0 {
		policy.MaxAttempts = FailClosedAttempts
		if cfg.FailOpen {
			policy.MaxAttempts = FailOpenAttempts
		}
	}
	if cfg.Policy == nil || cfg.Policy.Timeout == 0 {
		policy.RequestTimeout = DefaultTimeout
	}

	o := []retriable.ClientOption{
		retriable.WithName("responder"),
		retriable.WithPolicy(policy),
		retriable.WithMaxResponseSize(maxResponseSize),
	}
	return &Client{
		cfg:  cfg,
		http: retriable.New(append(o, opts...)...),
	}
}

// Policy returns the retry policy of the client
func (c *Client) Policy() retriable.Policy {
	return c.http.Policy
}

// ResponderURL returns the OCSP responder URL for the certificate
func (c *Client) ResponderURL(subject *x509.Certificate) (string, error) {
	if c.cfg.URL != "" {
		return c.cfg.URL, nil
	}
	if subject == nil || len(subject.OCSPServer) == 0 || subject.OCSPServer[0] == "" {
		cn := ""
		if subject != nil {
			cn = subject.Subject.CommonName
		}
		return "", ocsperror.New(ocsperror.ErrCodeURLInfoMissing, "no OCSP responder URL in certificate: %q", cn)
	}
	return subject.OCSPServer[0], nil
}

// Fetch returns raw OCSP response for ocspReq.
// The response is returned as is, the caller must parse and verify it.
func (c *Client) Fetch(ctx context.Context, ocspReq []byte, subject *x509.Certificate, certID []byte, hostname string) ([]byte, error) {
	responderURL, err := c.ResponderURL(subject)
	if err != nil {
		return nil, err
	}

	b64 := base64.StdEncoding.EncodeToString(ocspReq)
	ep := cacheserver.EndpointsForHost(hostname, c.cfg.CacheServerURL, c.cfg.NewEndpoint)

	var req *retriable.Request
	switch retryURL := ep.RetryRequestURL(responderURL, b64); {
	case ep.NewEndpoint:
		req, err = c.proxyRequest(ep.RetryURL, hostname, b64, certID, responderURL)
	case retryURL != "":
		req, err = retriable.NewRequest(http.MethodGet, retryURL, nil)
	default:
		escaped := url.PathEscape(b64)
		if len(escaped) < maxGetURLLength || c.cfg.DisablePOST {
			req, err = retriable.NewRequest(http.MethodGet, strings.TrimSuffix(responderURL, "/")+"/"+escaped, nil)
		} else {
			req, err = retriable.NewRequest(http.MethodPost, responderURL, bytes.NewReader(ocspReq))
			if err == nil {
				req.AddHeader(header.ContentType, header.ApplicationOCSPRequest)
			}
		}
	}
	if err != nil {
		return nil, ocsperror.New(ocsperror.ErrCodeFetchException, "invalid OCSP request to %s", responderURL).WithCause(err)
	}
	req.AddHeader(header.Accept, header.ApplicationOCSPResponse)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		c.failed("connection")
		return nil, ocsperror.New(ocsperror.ErrCodeFetchException,
			"failed to fetch OCSP response from %s", req.URL.Host).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		c.failed("status")
		return nil, ocsperror.New(ocsperror.ErrCodeFetchFailed,
			"OCSP responder %s returned status %d after %d attempt(s)", req.URL.Host, resp.StatusCode, resp.Attempts)
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"reason", "fetched",
		"method", req.Method,
		"host", req.URL.Host,
		"attempts", resp.Attempts,
		"size", len(resp.Body))
	return resp.Body, nil
}

func (c *Client) proxyRequest(proxyURL, hostname, b64 string, certID []byte, responderURL string) (*retriable.Request, error) {
	js, err := json.Marshal(envelope{
		Hostname:     hostname,
		OCSPRequest:  b64,
		CertID:       base64.StdEncoding.EncodeToString(certID),
		ResponderURL: responderURL,
	})
	if err != nil {
		return nil, err
	}
	req, err := retriable.NewRequest(http.MethodPost, proxyURL, bytes.NewReader(js))
	if err != nil {
		return nil, err
	}
	req.AddHeader(header.ContentType, header.ApplicationJSON)
	return req, nil
}

func (c *Client) failed(reason string) {
	metrics.IncrCounter(metricskey.KeyFetchFailed, 1,
		metrics.Tag{Name: "source", Value: c.http.Name},
		metrics.Tag{Name: "reason", Value: reason},
	)
}
