package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessionctl/internal/config"
	"sessionctl/internal/session"
	"sessionctl/internal/workdir"
)

// RunCmd runs one command to completion.
type RunCmd struct {
	Profile     string            `help:"Profile to run (see 'sessionctl profiles')" short:"p"`
	Prompt      string            `help:"Prompt text handed to the child as the profile's payload mode dictates" short:"m"`
	PayloadFile string            `help:"Read the prompt from this file ('-' for stdin)" short:"f"`
	Payload     string            `help:"Override the payload mode: stdin, argument or none"`
	Env         map[string]string `help:"Extra environment for the child (KEY=VALUE, repeatable)" short:"e"`
	HardLimit   string            `help:"Absolute time budget, e.g. 5m (0 disables)"`
	IdleLimit   string            `help:"Maximum time without output, e.g. 60s (0 disables)"`
	Sentinel    string            `help:"Completion marker to watch for"`
	NoSentinel  bool              `help:"Disable sentinel detection"`
	Dir         string            `help:"Working directory for the child" type:"existingdir"`
	Lock        bool              `help:"Wait for exclusive use of the working directory"`
	LockTimeout time.Duration     `help:"Give up waiting for the lock after this long (0 waits forever)" default:"0s"`

	Command []string `arg:"" optional:"" passthrough:"" help:"Command to run instead of the profile's"`
}

// AfterApply drops the "--" separator, which kong keeps in passthrough
// arguments.
func (r *RunCmd) AfterApply() error {
	r.Command = trimSeparator(r.Command)
	return nil
}

func trimSeparator(argv []string) []string {
	if len(argv) > 0 && argv[0] == "--" {
		return argv[1:]
	}
	return argv
}

// Run executes the command and exits with its outcome code.
func (r *RunCmd) Run(cli *CLI) error {
	prompt, err := r.readPrompt(os.Stdin)
	if err != nil {
		return err
	}

	ov, err := r.overrides()
	if err != nil {
		return err
	}

	return execute(cli, runOptions{
		profile:     r.Profile,
		prompt:      prompt,
		overrides:   ov,
		dir:         r.Dir,
		lock:        r.Lock,
		lockTimeout: r.LockTimeout,
	})
}

func (r *RunCmd) readPrompt(stdin io.Reader) ([]byte, error) {
	switch {
	case r.PayloadFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt from stdin: %w", err)
		}
		return data, nil
	case r.PayloadFile != "":
		data, err := os.ReadFile(r.PayloadFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt: %w", err)
		}
		return data, nil
	case r.Prompt != "":
		return []byte(r.Prompt), nil
	}
	return nil, nil
}

func (r *RunCmd) overrides() (config.Overrides, error) {
	ov := config.Overrides{
		Command: trimSeparator(r.Command),
		Env:     r.Env,
		Payload: config.PayloadMode(r.Payload),
	}
	switch ov.Payload {
	case "", config.PayloadStdin, config.PayloadArgument, config.PayloadNone:
	default:
		return ov, fmt.Errorf("unknown payload mode %q", r.Payload)
	}

	if r.NoSentinel {
		empty := ""
		ov.Sentinel = &empty
	} else if r.Sentinel != "" {
		ov.Sentinel = &r.Sentinel
	}

	var err error
	if ov.HardLimit, err = parseLimit("hard-limit", r.HardLimit); err != nil {
		return ov, err
	}
	if ov.IdleLimit, err = parseLimit("idle-limit", r.IdleLimit); err != nil {
		return ov, err
	}
	return ov, nil
}

func parseLimit(flag, value string) (*time.Duration, error) {
	if value == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	if d < 0 {
		return nil, fmt.Errorf("--%s: negative duration %s", flag, value)
	}
	return &d, nil
}

type runOptions struct {
	profile     string
	prompt      []byte
	overrides   config.Overrides
	dir         string
	lockDir     string
	lock        bool
	lockTimeout time.Duration
}

// execute runs one session in the foreground. SIGINT and SIGTERM cancel the
// run; its process group is still torn down before returning.
func execute(cli *CLI, opts runOptions) error {
	profile, err := cli.profiles.Profile(opts.profile)
	if err != nil {
		return err
	}

	cfg, req, err := profile.Resolve(opts.prompt, opts.overrides)
	if err != nil {
		return err
	}
	req.Dir = opts.dir

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.lock {
		lockDir := opts.lockDir
		if lockDir == "" {
			lockDir = opts.dir
		}
		lock, err := lockWorkDir(ctx, lockDir, opts.lockTimeout)
		if err != nil {
			return err
		}
		defer lock.Unlock()
		cli.logger.Debug("working directory locked", "dir", lock.Dir())
	}

	ctrl, err := session.NewController(cfg, session.WithLogger(cli.logger))
	if err != nil {
		return err
	}

	outcome, err := ctrl.Run(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessionctl: %v\n", err)
		return exitCodeError{code: outcome.ExitCode}
	}

	if outcome.TimedOut() {
		fmt.Fprintf(os.Stderr, "sessionctl: %s after %s\n", outcome.Reason, outcome.Duration.Round(time.Millisecond))
	}
	if outcome.ExitCode != 0 {
		return exitCodeError{code: outcome.ExitCode}
	}
	return nil
}

func lockWorkDir(ctx context.Context, dir string, timeout time.Duration) (*workdir.Lock, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := workdir.Validate(dir)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return workdir.LockContext(ctx, abs)
}
