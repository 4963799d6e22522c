package revocation

import (
	"context"
	"time"

	"github.com/effective-security/metrics"
	"github.com/effective-security/ocspcache/metricskey"
	"github.com/effective-security/xlog"
)

// Outcome is the terminal state of a revocation check
type Outcome string

// Outcomes of the revocation check
const (
	OutcomeGood        Outcome = "good"
	OutcomeRevoked     Outcome = "revoked"
	OutcomeUnknown     Outcome = "unknown"
	OutcomeFetchFailed Outcome = "fetch_failed"
	OutcomeSkipped     Outcome = "skipped"
)

// Source of the result
const (
	SourceCache     = "cache"
	SourceBulk      = "bulk"
	SourceResponder = "responder"
)

// Event describes the result of a revocation check of a single certificate
type Event struct {
	Hostname string    `json:"hostname" yaml:"hostname"`
	Subject  string    `json:"subject,omitempty" yaml:"subject,omitempty"`
	CertID   string    `json:"cert_id,omitempty" yaml:"cert_id,omitempty"`
	Outcome  Outcome   `json:"outcome" yaml:"outcome"`
	Source   string    `json:"source,omitempty" yaml:"source,omitempty"`
	Code     int       `json:"code,omitempty" yaml:"code,omitempty"`
	Message  string    `json:"message,omitempty" yaml:"message,omitempty"`
	FailOpen bool      `json:"fail_open,omitempty" yaml:"fail_open,omitempty"`
	At       time.Time `json:"at" yaml:"at"`
}

// EventSink receives events of revocation checks.
// Errors of the sink are ignored.
type EventSink interface {
	Report(ctx context.Context, e *Event) error
}

// logSink logs events, and counts them with metrics
type logSink struct{}

// NewLogSink returns EventSink that logs events
func NewLogSink() EventSink {
	return logSink{}
}

func (logSink) Report(_ context.Context, e *Event) error {
	metrics.IncrCounter(metricskey.KeyValidationResult, 1,
		metrics.Tag{Name: "outcome", Value: string(e.Outcome)},
	)

	level := xlog.DEBUG
	switch e.Outcome {
	case OutcomeRevoked:
		level = xlog.ERROR
	case OutcomeUnknown, OutcomeFetchFailed:
		level = xlog.NOTICE
	}
	logger.KV(level,
		"host", e.Hostname,
		"subject", e.Subject,
		"cert_id", e.CertID,
		"outcome", e.Outcome,
		"source", e.Source,
		"code", e.Code,
		"msg", e.Message)
	return nil
}
