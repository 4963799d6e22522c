package metricskey

import "github.com/effective-security/metrics"

// Keys of emitted metrics
var (
	KeyCacheHit     = []string{"ocsp", "cache", "hit"}
	KeyCacheMiss    = []string{"ocsp", "cache", "miss"}
	KeyCacheExpired = []string{"ocsp", "cache", "expired"}

	KeyFetchPerf   = []string{"ocsp", "fetch", "perf"}
	KeyFetchFailed = []string{"ocsp", "fetch", "failed"}

	KeyValidationResult = []string{"ocsp", "validation", "result"}
	KeyFailOpen         = []string{"ocsp", "validation", "fail_open"}

	KeyLogErrors = []string{"health", "log", "errors"}
)

// Descriptions of emited metrics keys
var (
	CacheHit = metrics.Describe{
		Name:         "ocsp_cache_hit",
		Type:         "counter",
		RequiredTags: []string{"cache"},
		Help:         "ocsp_cache_hit provides counts of cache hits.",
	}
	CacheMiss = metrics.Describe{
		Name:         "ocsp_cache_miss",
		Type:         "counter",
		RequiredTags: []string{"cache"},
		Help:         "ocsp_cache_miss provides counts of cache misses.",
	}
	CacheExpired = metrics.Describe{
		Name:         "ocsp_cache_expired",
		Type:         "counter",
		RequiredTags: []string{"cache"},
		Help:         "ocsp_cache_expired provides counts of entries found expired on read.",
	}
	FetchPerf = metrics.Describe{
		Name:         "ocsp_fetch_perf",
		Type:         "summary",
		RequiredTags: []string{"source", "status"},
		Help:         "ocsp_fetch_perf provides quantiles for cache server and responder requests.",
	}
	FetchFailed = metrics.Describe{
		Name:         "ocsp_fetch_failed",
		Type:         "counter",
		RequiredTags: []string{"source"},
		Help:         "ocsp_fetch_failed provides counts of requests failed after retries.",
	}
	ValidationResult = metrics.Describe{
		Name:         "ocsp_validation_result",
		Type:         "counter",
		RequiredTags: []string{"outcome"},
		Help:         "ocsp_validation_result provides counts of validation outcomes.",
	}
	FailOpen = metrics.Describe{
		Name:         "ocsp_validation_fail_open",
		Type:         "counter",
		RequiredTags: []string{"code"},
		Help:         "ocsp_validation_fail_open provides counts of errors ignored in fail-open mode.",
	}
	LogErrors = metrics.Describe{
		Name:         "health_log_errors",
		Type:         "counter",
		RequiredTags: []string{"pkg", "version"},
		Help:         "health_log_errors provides counts of errors logged per package.",
	}
)

// Metrics returns the list of described metrics
var Metrics = []*metrics.Describe{
	&CacheHit,
	&CacheMiss,
	&CacheExpired,
	&FetchPerf,
	&FetchFailed,
	&ValidationResult,
	&FailOpen,
	&LogErrors,
}
