package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"sessionctl/internal/config"
	"sessionctl/internal/logging"
)

// CLI represents the command-line interface structure
type CLI struct {
	Version   kong.VersionFlag `help:"Show version information"`
	LogLevel  string           `help:"Log level: debug, info, warn, error or off (default: warn for run and fix, info otherwise)" env:"SESSIONCTL_LOG_LEVEL"`
	LogFormat string           `help:"Log format" enum:"text,json" default:"text" env:"SESSIONCTL_LOG_FORMAT"`
	LogFile   string           `help:"Append logs to this file instead of stderr" env:"SESSIONCTL_LOG_FILE"`
	Config    string           `help:"Profile configuration file (default: user config dir)" env:"SESSIONCTL_CONFIG"`

	Run      RunCmd      `cmd:"" help:"Run a command to completion and exit with its outcome code"`
	Fix      FixCmd      `cmd:"" help:"Ask the agent to fix analyzer and test failures"`
	Serve    ServeCmd    `cmd:"" help:"Serve runs over HTTP and WebSocket"`
	Profiles ProfilesCmd `cmd:"" help:"List known profiles"`

	// Internal fields (not flags)
	logger   *slog.Logger   `kong:"-"`
	profiles *config.Config `kong:"-"`
	closer   io.Closer      `kong:"-"`
}

// AfterApply initializes logging and loads profiles after CLI parsing.
func (c *CLI) AfterApply(kctx *kong.Context) error {
	level := c.LogLevel
	if level == "" {
		level = "info"
		if node := kctx.Selected(); node != nil && (node.Name == "run" || node.Name == "fix") {
			// Keep passthrough output clean.
			level = "warn"
		}
	}

	logger, closer, err := logging.New(logging.Options{
		Level:  level,
		Format: c.LogFormat,
		File:   c.LogFile,
	})
	if err != nil {
		return err
	}
	c.logger, c.closer = logger, closer
	slog.SetDefault(logger)

	if c.Config != "" {
		c.profiles, err = config.Load(c.Config)
	} else {
		c.profiles, err = config.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return nil
}

// Close releases the log file, if any.
func (c *CLI) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// ProfilesCmd lists the built-in and configured profiles.
type ProfilesCmd struct{}

func (p *ProfilesCmd) Run(cli *CLI) error {
	for _, name := range cli.profiles.ProfileNames() {
		profile, err := cli.profiles.Profile(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%-16s payload=%-8s %v\n", name, profile.Payload, profile.Command)
	}
	return nil
}
