// Command ocspcheck validates revocation status of TLS servers and certificate chains,
// and manages the local OCSP response cache.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
)

const appName = "ocspcheck"

// Version is set at build time
var Version = "dev"

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	cl := new(cli)
	parser, err := kong.New(cl,
		kong.Name(appName),
		kong.Description("OCSP revocation check of TLS servers and certificate chains"),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Vars{"version": Version},
	)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %s\n", err.Error())
		return 1
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %s\n", err.Error())
		return 1
	}

	app, err := cl.open(stdout)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %s\n", err.Error())
		return 1
	}
	defer app.Close()

	if err = ctx.Run(app); err != nil {
		fmt.Fprintf(stderr, "ERROR: %s\n", err.Error())
		return 2
	}
	return 0
}
