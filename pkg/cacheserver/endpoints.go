package cacheserver

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/effective-security/ocspcache/pkg/ocspcache"
	"golang.org/x/net/publicsuffix"
)

const (
	// DefaultHostPrefix is the host of the cache server, without the top-level domain
	DefaultHostPrefix = "ocsp.snowflakecomputing."

	privatelinkSuffix = ".privatelink.snowflakecomputing."
	globalInfix       = ".global."
)

// Endpoints specifies locations of the cache server for a host
type Endpoints struct {
	// CacheURL is the location of the bundle
	CacheURL string
	// RetryURL is the base of the responder proxy, empty if not used
	RetryURL string
	// NewEndpoint is true when the responder proxy accepts JSON envelope
	NewEndpoint bool
}

// EndpointsForHost returns cache server endpoints for the host.
// If override is set, it is used as CacheURL.
func EndpointsForHost(hostname, override string, newEndpoint bool) Endpoints {
	host := strings.ToLower(strings.TrimSuffix(hostname, "."))

	if newEndpoint && host != "" {
		var base string
		if idx := strings.Index(host, globalInfix); idx >= 0 {
			base = "https://ocspssd" + host[idx:] + "/ocsp/"
		} else {
			base = "https://ocspssd." + host + "/ocsp/"
		}
		ep := Endpoints{
			CacheURL:    base + "fetch",
			RetryURL:    base + "retry",
			NewEndpoint: true,
		}
		if override != "" {
			ep.CacheURL = override
		}
		return ep
	}

	if strings.Contains(host, privatelinkSuffix) {
		ep := Endpoints{
			CacheURL: fmt.Sprintf("http://ocsp.%s/%s", host, ocspcache.LegacyFileName),
			RetryURL: fmt.Sprintf("http://ocsp.%s/retry", host),
		}
		if override != "" {
			ep.CacheURL = override
		}
		return ep
	}

	if override != "" {
		return Endpoints{CacheURL: override}
	}
	return Endpoints{CacheURL: DefaultURL(host)}
}

// DefaultURL returns the location of the bundle, for the top-level domain of the host
func DefaultURL(hostname string) string {
	tld := "com"
	if hostname != "" {
		if s, _ := publicsuffix.PublicSuffix(hostname); s != "" && s != hostname {
			tld = s
		}
	}
	return fmt.Sprintf("http://%s%s/%s", DefaultHostPrefix, tld, ocspcache.LegacyFileName)
}

// RetryRequestURL returns location of the responder proxy for GET request,
// or empty string if the proxy is not used
func (e Endpoints) RetryRequestURL(responderURL, b64Request string) string {
	if e.RetryURL == "" || e.NewEndpoint {
		return ""
	}
	host := responderURL
	if u, err := url.Parse(responderURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	return fmt.Sprintf("%s/%s/%s", e.RetryURL, host, url.PathEscape(b64Request))
}
