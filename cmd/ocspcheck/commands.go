package main

import (
	"crypto/tls"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/ocspcache/pkg/certchain"
	"github.com/effective-security/ocspcache/pkg/transport"
)

const defaultPort = "443"

type hostCmd struct {
	Host      string `arg:"" help:"host[:port] of the TLS server"`
	All       bool   `help:"validate the host even if it is not on the allow-list"`
	TrustedCA string `help:"path to the trusted CA bundle, the system roots are used if not specified"`
}

func (cmd *hostCmd) Run(a *app) error {
	host, port, err := net.SplitHostPort(cmd.Host)
	if err != nil {
		host, port = cmd.Host, defaultPort
	}
	if cmd.All {
		a.cfg.AllowedHosts = append(a.cfg.AllowedHosts, host)
	}

	info := &transport.TLSInfo{
		ServerName:    host,
		TrustedCAFile: cmd.TrustedCA,
	}
	defer info.Close()

	tlsCfg, err := a.session().ClientTLS(info)
	if err != nil {
		return err
	}

	ctx, cancel := a.newContext()
	defer cancel()

	dialer := &tls.Dialer{Config: tlsCfg}
	conn, dialErr := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if conn != nil {
		_ = conn.Close()
	}

	if err = a.print(a.events.Events()); err != nil {
		return err
	}
	if dialErr != nil {
		return errors.WithMessagef(dialErr, "unable to connect to %s", host)
	}
	return nil
}

type chainCmd struct {
	File string `arg:"" type:"existingfile" help:"PEM file with the chain, starting from the leaf"`
}

func (cmd *chainCmd) Run(a *app) error {
	pairs, err := certchain.FromPEMFile(cmd.File)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return errors.Errorf("no certificates to check in %s", cmd.File)
	}

	v, err := a.session().Validator()
	if err != nil {
		return err
	}

	ctx, cancel := a.newContext()
	defer cancel()

	var first error
	for _, p := range pairs {
		if _, err = v.Verify(ctx, p.Subject, p.Issuer); err != nil && first == nil {
			first = err
		}
	}

	if err = a.print(a.events.Events()); err != nil {
		return err
	}
	return first
}

type clearCmd struct{}

func (cmd *clearCmd) Run(a *app) error {
	v, err := a.session().Validator()
	if err != nil {
		return err
	}
	v.Clear()
	return a.print(map[string]string{"status": "cleared"})
}

type statsCmd struct{}

func (cmd *statsCmd) Run(a *app) error {
	v, err := a.session().Validator()
	if err != nil {
		return err
	}
	return a.print(v.Stats())
}
