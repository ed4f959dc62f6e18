package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// Build information injected at build time via ldflags.
var (
	Commit  = "unknown"
	Version = "dev"
)

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("sessionctl"),
		kong.Description("Run interactive CLI agents to completion under hard and idle deadlines"),
		kong.Vars{
			"version": fmt.Sprintf("sessionctl %s (commit: %s)", Version, Commit),
		},
		kong.UsageOnError(),
		kong.Bind(&cli),
	)

	err := ctx.Run()
	cli.Close()

	var exit exitCodeError
	switch {
	case err == nil:
	case errors.As(err, &exit):
		os.Exit(exit.code)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitCodeError carries a run's exit code out of a command without printing
// anything further.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
