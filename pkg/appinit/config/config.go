// Package config provides configuration of the metrics pipeline
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/ocspcache/x/fileutil"
)

// Metrics specifies the metrics pipeline configuration
type Metrics struct {
	// Disabled specifies if the metrics provider is disabled
	Disabled *bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Provider specifies comma separated list of providers: prometheus|cloudwatch|inmem
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Prefix specifies the prefix added to all metrics
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Prometheus provider config
	Prometheus *Prometheus `json:"prometheus,omitempty" yaml:"prometheus,omitempty"`

	EnableRuntimeMetrics bool `json:"runtime_metrics,omitempty" yaml:"runtime_metrics,omitempty"`

	CloudWatch *CloudWatch `json:"cloudwatch,omitempty" yaml:"cloudwatch,omitempty"`

	// GlobalTags specifies the tags added to all metrics: service|cluster_id|node|pod
	GlobalTags []string `json:"global_tags,omitempty" yaml:"global_tags,omitempty"`

	// AllowedPrefixes specifies a list of metric prefixes to allow, with '.' as the separator
	AllowedPrefixes []string `json:"allowed_prefixes,omitempty" yaml:"allowed_prefixes,omitempty"`
	// BlockedPrefixes specifies a list of metric prefixes to block, with '.' as the separator
	BlockedPrefixes []string `json:"blocked_prefixes,omitempty" yaml:"blocked_prefixes,omitempty"`
}

// GetDisabled specifies if the metrics provider is disabled
func (c *Metrics) GetDisabled() bool {
	return c.Disabled != nil && *c.Disabled
}

// Providers returns the list of configured providers
func (c *Metrics) Providers() []string {
	var list []string
	for _, p := range strings.Split(c.Provider, ",") {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, strings.ToLower(p))
		}
	}
	return list
}

// Validate returns error if a provider is not supported, or its section is missing
func (c *Metrics) Validate() error {
	for _, p := range c.Providers() {
		switch p {
		case "prometheus", "inmem", "inmemory":
		case "cloudwatch":
			if c.CloudWatch == nil {
				return errors.New("cloudwatch configuration is missing")
			}
		default:
			return errors.Errorf("metrics provider %q not supported", p)
		}
	}
	return nil
}

// Load returns the configuration from a YAML or JSON file
func Load(file string) (*Metrics, error) {
	cfg := new(Metrics)
	if err := fileutil.Unmarshal(file, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid metrics configuration in %s", file)
	}
	return cfg, nil
}

// Prometheus provider config
type Prometheus struct {
	// Addr specifies the address to expose /metrics on, not exposed if empty
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
	// Expiration is the duration a metric is valid for, after which it will be
	// untracked. If the value is zero, a default expiration applied
	Expiration time.Duration `json:"expiration,omitempty" yaml:"expiration,omitempty"`
}

// CloudWatch specifies the CloudWatch publisher
type CloudWatch struct {
	// AwsRegion where the service is deployed.
	AwsRegion string `json:"aws_region" yaml:"aws_region"`

	// AwsEndpoint is the optional AWS endpoint to use
	AwsEndpoint string `json:"aws_endpoint,omitempty" yaml:"aws_endpoint,omitempty"`

	// Namespace specifies CloudWatch namespace to push metrics to.
	Namespace string `json:"namespace" yaml:"namespace"`

	// PublishInterval specifies the publish interval.
	PublishInterval time.Duration `json:"publish_interval" yaml:"publish_interval"`

	// WithSampleCount specifies whether to include the sample count in the metric
	// it adds _count, _avg , _sum
	WithSampleCount bool `json:"with_sample_count" yaml:"with_sample_count"`
}
