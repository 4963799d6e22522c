package appinit

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/metrics"
	"github.com/effective-security/metrics/cloudwatch"
	"github.com/effective-security/metrics/prometheus"
	"github.com/effective-security/ocspcache/metricskey"
	"github.com/effective-security/ocspcache/pkg/appinit/config"
	"github.com/effective-security/xlog"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// can be initialized only once per process.
// keep global for tests
var (
	promSink metrics.Sink
	cwSink   *cloudwatch.Sink
)

// Metrics initializes the global metrics sink for the process
func Metrics(cfg *config.Metrics, svcName, clusterName string, version string, describe []*metrics.Describe) (io.Closer, error) {
	if cfg == nil || cfg.Provider == "" || cfg.GetDisabled() {
		provider := ""
		if cfg != nil {
			provider = cfg.Provider
		}
		logger.KV(xlog.INFO,
			"status", "metrics_disabled",
			"version", version,
			"provider", provider,
		)
		return nil, nil
	}

	var err error
	var sinks []metrics.Sink
	var closer io.Closer

	mcfg := &metrics.Config{
		EnableHostname:       false,
		EnableHostnameLabel:  false, // added in GlobalTags
		EnableServiceLabel:   false, // added in GlobalTags
		FilterDefault:        true,
		EnableRuntimeMetrics: cfg.EnableRuntimeMetrics,
		TimerGranularity:     time.Millisecond,
		ProfileInterval:      time.Second,
		GlobalPrefix:         cfg.Prefix,
		AllowedPrefixes:      cfg.AllowedPrefixes,
		BlockedPrefixes:      cfg.BlockedPrefixes,
	}

	for _, tag := range cfg.GlobalTags {
		switch tag {
		case "service":
			mcfg.GlobalTags = append(mcfg.GlobalTags, metrics.Tag{Name: tag, Value: svcName})
		case "cluster_id":
			mcfg.GlobalTags = append(mcfg.GlobalTags, metrics.Tag{Name: tag, Value: clusterName})
		case "node":
			if nn := os.Getenv("NODE_NAME"); nn != "" {
				mcfg.GlobalTags = append(mcfg.GlobalTags, metrics.Tag{Name: tag, Value: nn})
			}
		case "pod":
			if podn := os.Getenv("POD_NAME"); podn != "" {
				l := len(podn)
				if l > 5 {
					// kubes uses random suffixes
					podn = podn[l-5 : l]
				}
				mcfg.GlobalTags = append(mcfg.GlobalTags, metrics.Tag{Name: tag, Value: podn})
			}
		}
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	for _, p := range cfg.Providers() {
		switch p {
		case "prometheus":
			if promSink == nil {
				// Remove Go collector
				prom.Unregister(collectors.NewGoCollector())
				prom.Unregister(collectors.NewBuildInfoCollector())
				prom.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

				var expiration time.Duration
				if cfg.Prometheus != nil {
					expiration = cfg.Prometheus.Expiration
				}
				ops := prometheus.Opts{
					Expiration: expiration,
					Registerer: prom.DefaultRegisterer,
					Help:       mcfg.Help(describe, metricskey.Metrics),
				}

				promSink, err = prometheus.NewSinkFrom(ops)
				if err != nil {
					return nil, errors.WithMessage(err, "unable to create prometheus sink")
				}

				if cfg.Prometheus != nil && cfg.Prometheus.Addr != "" {
					go func() {
						logger.KV(xlog.INFO,
							"status", "starting_prometheus",
							"endpoint", cfg.Prometheus.Addr)
						// remove Prom metrics
						h := promhttp.HandlerFor(prom.DefaultGatherer, promhttp.HandlerOpts{})
						logger.Fatal(http.ListenAndServe(cfg.Prometheus.Addr, h).Error())
					}()
				}
			}
			sinks = append(sinks, promSink)

		case "cloudwatch":
			c := cloudwatch.Config{
				AwsRegion:       cfg.CloudWatch.AwsRegion,
				AwsEndpoint:     cfg.CloudWatch.AwsEndpoint,
				Namespace:       cfg.CloudWatch.Namespace,
				PublishInterval: cfg.CloudWatch.PublishInterval,
				WithSampleCount: cfg.CloudWatch.WithSampleCount,
				WithCleanup:     true, // reset after each Flush
			}

			cwSink, err = cloudwatch.NewSink(&c)
			if err != nil {
				return nil, err
			}

			ctx, cancel := context.WithCancel(context.Background())
			ctxcloser := &contextCloser{
				ctx:    ctx,
				cancel: cancel,
			}

			go cwSink.Run(ctxcloser.ctx)
			sinks = append(sinks, cwSink)
			closer = ctxcloser

		case "inmem", "inmemory":

		default:
			return nil, errors.Errorf("metrics provider %q not supported", p)
		}
	}
	var sink metrics.Sink

	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewFanoutSink(sinks...)
	}

	if sink != nil {
		_, err := metrics.NewGlobal(mcfg, sink)
		if err != nil {
			return nil, err
		}
	}

	xlog.OnError(func(pkg string) {
		metrics.IncrCounter(metricskey.KeyLogErrors, 1,
			metrics.Tag{Name: "pkg", Value: pkg},
			metrics.Tag{Name: "version", Value: version},
		)
	})

	logger.KV(xlog.INFO,
		"status", "metrics_started",
		"version", version,
		"provider", cfg.Provider,
		"tags", mcfg.GlobalTags,
	)

	return closer, nil
}

type contextCloser struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *contextCloser) Close() error {
	if cwSink != nil {
		err := cwSink.Flush(context.Background())
		if err != nil {
			logger.KV(xlog.ERROR, "reason", "metrics_flush", "err", err.Error())
		}
		logger.ContextKV(c.ctx, xlog.TRACE, "status", "sink_flushed")
	}
	logger.ContextKV(c.ctx, xlog.TRACE, "status", "metrics_closed")

	c.cancel()
	return nil
}
