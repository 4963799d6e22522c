// Package header provides names and values of HTTP headers
package header

const (
	// Accept is HTTP header for "Accept"
	Accept = "Accept"
	// CacheControl is HTTP header for "Cache-Control"
	CacheControl = "Cache-Control"
	// ContentType is HTTP header for "Content-Type"
	ContentType = "Content-Type"
	// UserAgent is HTTP header for "User-Agent"
	UserAgent = "User-Agent"
	// XRequestID is HTTP header for "X-Request-ID"
	XRequestID = "X-Request-ID"
)

const (
	// ApplicationJSON is Content-Type value for JSON
	ApplicationJSON = "application/json"
	// ApplicationOCSPRequest is Content-Type value for OCSP request
	ApplicationOCSPRequest = "application/ocsp-request"
	// ApplicationOCSPResponse is Content-Type value for OCSP response
	ApplicationOCSPResponse = "application/ocsp-response"
	// NoCache is Cache-Control value to bypass caches
	NoCache = "no-cache"
)
