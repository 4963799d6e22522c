package retriable

import (
	"time"
)

// RequestPolicy contains configuration info for Request policy
type RequestPolicy struct {
	// MaxAttempts specifies the number of attempts, including the first one
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	// Timeout specifies the timeout of a single attempt
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// InitialInterval specifies the first backoff interval
	InitialInterval time.Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	// MaxInterval caps the backoff interval
	MaxInterval time.Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
}

// Policy returns Policy, with the values not specified taken from DefaultPolicy
func (p *RequestPolicy) Policy() Policy {
	pol := DefaultPolicy()
	if p == nil {
		return pol
	}
	if p.MaxAttempts > 0 {
		pol.MaxAttempts = p.MaxAttempts
	}
	if p.Timeout > 0 {
		pol.RequestTimeout = p.Timeout
	}
	if p.InitialInterval > 0 {
		pol.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		pol.MaxInterval = p.MaxInterval
	}
	return pol
}
