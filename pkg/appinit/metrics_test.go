package appinit

import (
	"testing"

	"github.com/effective-security/ocspcache/metricskey"
	"github.com/effective-security/ocspcache/pkg/appinit/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	closer, err := Metrics(nil, "ocspcheck", "local", "v0.0.1", metricskey.Metrics)
	require.NoError(t, err)
	assert.Nil(t, closer)

	disabled := true
	closer, err = Metrics(&config.Metrics{Provider: "prometheus", Disabled: &disabled}, "ocspcheck", "local", "v0.0.1", nil)
	require.NoError(t, err)
	assert.Nil(t, closer)

	_, err = Metrics(&config.Metrics{Provider: "statsd"}, "ocspcheck", "local", "v0.0.1", nil)
	assert.EqualError(t, err, `metrics provider "statsd" not supported`)

	_, err = Metrics(&config.Metrics{Provider: "cloudwatch"}, "ocspcheck", "local", "v0.0.1", nil)
	assert.EqualError(t, err, "cloudwatch configuration is missing")

	closer, err = Metrics(&config.Metrics{
		Provider:   "inmem",
		GlobalTags: []string{"service", "cluster_id"},
	}, "ocspcheck", "local", "v0.0.1", metricskey.Metrics)
	require.NoError(t, err)
	assert.Nil(t, closer)
}
