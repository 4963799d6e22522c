package main

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/effective-security/ocspcache/metricskey"
	"github.com/effective-security/ocspcache/pkg/appinit"
	"github.com/effective-security/ocspcache/pkg/appinit/config"
	"github.com/effective-security/ocspcache/pkg/revocation"
	"github.com/effective-security/ocspcache/pkg/session"
	"github.com/effective-security/xlog"
	"gopkg.in/yaml.v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ocspcache/cmd", "ocspcheck")

type cli struct {
	appinit.Flags     `embed:""`
	appinit.LogConfig `embed:""`

	MetricsCfg      string        `help:"metrics configuration file"`
	MetricsProvider string        `help:"metrics provider: prometheus|inmem"`
	PrometheusAddr  string        `help:"address to expose prometheus metrics on"`
	CacheDir        string        `help:"folder of the cache files"`
	NoPersistence   bool          `help:"keep the cache in memory only"`
	NoCacheServer   bool          `help:"do not download the bundle from the cache server"`
	FailClosed      bool          `help:"fail when the revocation status can not be determined"`
	Timeout         time.Duration `help:"timeout of the command" default:"30s"`

	Host  hostCmd  `cmd:"" help:"validate revocation status of a TLS server"`
	Chain chainCmd `cmd:"" help:"validate revocation status of a PEM encoded chain"`
	Clear clearCmd `cmd:"" help:"remove all cached results and cache files"`
	Stats statsCmd `cmd:"" help:"print statistics of the cache"`
}

// app is bound to Run methods of the commands
type app struct {
	cfg     *revocation.Config
	out     io.Writer
	timeout time.Duration
	events  *collector

	sess    *session.Session
	closers []io.Closer
}

func (c *cli) open(out io.Writer) (*app, error) {
	a := &app{
		out:     out,
		timeout: c.Timeout,
		events:  &collector{next: revocation.NewLogSink()},
	}

	closer, err := appinit.Logs(&c.LogConfig, appName)
	if err != nil {
		return nil, err
	}
	a.add(closer)

	closer, err = appinit.CPUProfiler(c.CPUProfile)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.add(closer)

	mcfg := &config.Metrics{Provider: c.MetricsProvider}
	if c.MetricsCfg != "" {
		if mcfg, err = config.Load(c.MetricsCfg); err != nil {
			a.Close()
			return nil, err
		}
	}
	if c.PrometheusAddr != "" {
		mcfg.Prometheus = &config.Prometheus{Addr: c.PrometheusAddr}
	}
	closer, err = appinit.Metrics(mcfg, appName, "", Version, metricskey.Metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.add(closer)

	cfg, err := revocation.LoadConfig(c.Cfg)
	if err == nil {
		cfg, err = cfg.ApplyEnv()
	}
	if err != nil {
		a.Close()
		return nil, err
	}
	if c.CacheDir != "" {
		cfg.CacheDir = c.CacheDir
	}
	if c.NoPersistence {
		cfg.DisablePersistence = true
	}
	if c.NoCacheServer {
		cfg.CacheServerEnabled = false
	}
	if c.FailClosed {
		cfg.FailOpen = false
	}
	a.cfg = cfg
	return a, nil
}

func (a *app) add(c io.Closer) {
	if c != nil {
		a.closers = append(a.closers, c)
	}
}

// session returns the session, created on first call with the current configuration
func (a *app) session() *session.Session {
	if a.sess == nil {
		a.sess = session.New(a.cfg, revocation.WithEventSink(a.events))
	}
	return a.sess
}

func (a *app) newContext() (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), a.timeout)
}

// Close persists the cache and releases resources
func (a *app) Close() {
	if a.sess != nil {
		if err := a.sess.Close(); err != nil {
			logger.KV(xlog.WARNING, "reason", "close", "err", err.Error())
		}
		a.sess = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	a.closers = nil
}

func (a *app) print(v any) error {
	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// collector keeps events of the command for printing
type collector struct {
	next revocation.EventSink

	lock   sync.Mutex
	events []*revocation.Event
}

func (c *collector) Report(ctx context.Context, e *revocation.Event) error {
	c.lock.Lock()
	c.events = append(c.events, e)
	c.lock.Unlock()
	return c.next.Report(ctx, e)
}

func (c *collector) Events() []*revocation.Event {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*revocation.Event{}, c.events...)
}
