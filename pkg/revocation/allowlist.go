package revocation

import (
	"regexp"
	"strings"
)

// InternalHostPrefix marks hosts of the internal stages, which are always validated
const InternalHostPrefix = "sfc-"

var allowedHosts = regexp.MustCompile(`^(` +
	`.*\.snowflakecomputing\.(com|cn)` +
	`|(.*\.)?s3.*\.amazonaws\.com` +
	`|.*\.okta\.com` +
	`|(.*\.)?storage\.googleapis\.com` +
	`|.*\.blob\.core\.windows\.net` +
	`|.*\.blob\.core\.usgovcloudapi\.net` +
	`)$`)

// IsAllowedHost returns true if the revocation status of the host must be checked
func IsAllowedHost(hostname string, extra ...string) bool {
	host := strings.ToLower(strings.TrimSuffix(hostname, "."))
	if host == "" {
		return false
	}
	if strings.HasPrefix(host, InternalHostPrefix) || allowedHosts.MatchString(host) {
		return true
	}
	for _, suffix := range extra {
		suffix = strings.ToLower(suffix)
		if suffix != "" && (host == strings.TrimPrefix(suffix, ".") || strings.HasSuffix(host, "."+strings.TrimPrefix(suffix, "."))) {
			return true
		}
	}
	return false
}
