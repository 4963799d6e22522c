// Package cacheserver provides the client of the shared OCSP response cache server
package cacheserver

import (
	"context"
	"net/http"
	"time"

	"github.com/effective-security/metrics"
	"github.com/effective-security/ocspcache/metricskey"
	"github.com/effective-security/ocspcache/pkg/ocspcache"
	"github.com/effective-security/ocspcache/pkg/ocsperror"
	"github.com/effective-security/ocspcache/pkg/retriable"
	"github.com/effective-security/ocspcache/xhttp/header"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ocspcache/pkg", "cacheserver")

// DefaultTimeout specifies timeout of a single download attempt
const DefaultTimeout = 5 * time.Second

// maxBundleSize limits the size of the downloaded bundle
const maxBundleSize = 64 * 1024 * 1024

// Downloader provides the bundle of cached OCSP responses
type Downloader interface {
	Download(ctx context.Context, url string) (map[ocspcache.CacheKey]ocspcache.LegacyRecord, error)
}

// Client downloads the bundle from the cache server
type Client struct {
	http *retriable.Client
}

// New returns Client.
// Policy values not specified in rp are taken from retriable.DefaultPolicy,
// except the timeout which is DefaultTimeout.
func New(rp *retriable.RequestPolicy, opts ...retriable.ClientOption) *Client {
	policy := rp.Policy()
	if rp == nil || rp.Timeout == 0 {
		policy.RequestTimeout = DefaultTimeout
	}

	o := []retriable.ClientOption{
		retriable.WithName("cache_server"),
		retriable.WithPolicy(policy),
		retriable.WithMaxResponseSize(maxBundleSize),
	}
	return &Client{
		http: retriable.New(append(o, opts...)...),
	}
}

// Policy returns the retry policy of the client
func (c *Client) Policy() retriable.Policy {
	return c.http.Policy
}

// Download returns records of the bundle at url.
// The error has ErrCodeCacheServerUnreachable code if the server did not respond with 200,
// or ErrCodeCacheDecode if the bundle is malformed.
func (c *Client) Download(ctx context.Context, url string) (map[ocspcache.CacheKey]ocspcache.LegacyRecord, error) {
	started := time.Now()

	req, err := retriable.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, ocsperror.New(ocsperror.ErrCodeCacheDownload, "invalid cache server URL: %s", url).WithCause(err)
	}
	req.AddHeader(header.Accept, header.ApplicationJSON)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		c.failed("connection")
		return nil, ocsperror.New(ocsperror.ErrCodeCacheServerUnreachable,
			"failed to connect to cache server: %s", url).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		c.failed("status")
		return nil, ocsperror.New(ocsperror.ErrCodeCacheServerUnreachable,
			"cache server %s returned status %d after %d attempt(s)", url, resp.StatusCode, resp.Attempts)
	}

	records, err := ocspcache.DecodeLegacyBytes(resp.Body)
	if err != nil {
		c.failed("decode")
		return nil, err
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"reason", "downloaded",
		"url", url,
		"records", len(records),
		"elapsed", time.Since(started).String())
	return records, nil
}

func (c *Client) failed(reason string) {
	metrics.IncrCounter(metricskey.KeyFetchFailed, 1,
		metrics.Tag{Name: "source", Value: c.http.Name},
		metrics.Tag{Name: "reason", Value: reason},
	)
}
