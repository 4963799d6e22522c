package ocsperror

// Error codes are stable across releases, consumers may match on them
const (
	// ErrCodeURLInfoMissing is returned when the certificate has no OCSP responder URL
	ErrCodeURLInfoMissing = 254001
	// ErrCodeResponseUnavailable is returned when no OCSP response could be obtained
	ErrCodeResponseUnavailable = 254002
	// ErrCodeFetchException is returned when the transport failed on the final attempt
	ErrCodeFetchException = 254003
	// ErrCodeCacheServerUnreachable is returned when the cache server could not be reached
	ErrCodeCacheServerUnreachable = 254004
	// ErrCodeInvalidCertStatus is returned when the response does not match the certificate
	ErrCodeInvalidCertStatus = 254005
	// ErrCodeUnknown is returned when the responder reports UNKNOWN status
	ErrCodeUnknown = 254006
	// ErrCodeRevoked is returned when the certificate is revoked
	ErrCodeRevoked = 254007
	// ErrCodeInvalidAttachedCert is returned when the responder certificate is not valid
	ErrCodeInvalidAttachedCert = 254008
	// ErrCodeCacheDecode is returned when a cache file or bundle could not be decoded
	ErrCodeCacheDecode = 254009
	// ErrCodeCacheDownload is returned when the cache bundle download failed
	ErrCodeCacheDownload = 254010
	// ErrCodeInvalidValidity is returned when the response is outside of its validity window
	ErrCodeInvalidValidity = 254011
	// ErrCodeFetchFailed is returned when the responder kept returning non-200 status
	ErrCodeFetchFailed = 254012
)

var codeNames = map[int]string{
	ErrCodeURLInfoMissing:         "url_info_missing",
	ErrCodeResponseUnavailable:    "response_unavailable",
	ErrCodeFetchException:         "fetch_exception",
	ErrCodeCacheServerUnreachable: "cache_server_unreachable",
	ErrCodeInvalidCertStatus:      "invalid_cert_status",
	ErrCodeUnknown:                "unknown_status",
	ErrCodeRevoked:                "revoked",
	ErrCodeInvalidAttachedCert:    "invalid_attached_cert",
	ErrCodeCacheDecode:            "cache_decode",
	ErrCodeCacheDownload:          "cache_download",
	ErrCodeInvalidValidity:        "invalid_validity",
	ErrCodeFetchFailed:            "fetch_failed",
}

// CodeName returns a short name of the code, used as metric tag
func CodeName(code int) string {
	if n, ok := codeNames[code]; ok {
		return n
	}
	return "unexpected"
}
