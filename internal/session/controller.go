package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Controller runs interactive child processes under a fixed Config.
//
// A Controller holds no per-run state and may start any number of
// concurrent runs; each run owns its own process group.
type Controller struct {
	cfg    Config
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithOutput sets the live sinks that receive the child's output as it
// arrives. Defaults are os.Stdout and os.Stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(c *Controller) {
		c.stdout = stdout
		c.stderr = stderr
	}
}

// WithLogger sets the logger for run lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController validates cfg and returns a Controller.
func NewController(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:    cfg.withDefaults(),
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.stdout == nil {
		c.stdout = io.Discard
	}
	if c.stderr == nil {
		c.stderr = io.Discard
	}
	return c, nil
}

// Config returns the controller's effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Run starts req and blocks until it ends. The process group is gone when Run
// returns. The only error is a launch failure, reported together with a
// LaunchError outcome.
func (c *Controller) Run(ctx context.Context, req Request) (*ExitOutcome, error) {
	run, err := c.Start(ctx, req)
	if err != nil {
		return &ExitOutcome{
			ExitCode:      ExitCodeLaunchError,
			Reason:        ReasonLaunchError,
			ChildExitCode: -1,
		}, err
	}
	return run.Wait(), nil
}

// Start launches req and returns a handle. Wait must be called exactly once
// to drive the run and release its process group; ctx cancels the run.
func (c *Controller) Start(ctx context.Context, req Request) (*Run, error) {
	start := time.Now()
	ch, err := launch(req)
	if err != nil {
		c.logger.Error("launch failed", "command", commandName(req.Command), "error", err)
		return nil, err
	}

	r := &Run{
		ctrl:    c,
		ctx:     ctx,
		child:   ch,
		payload: req.Payload,
		start:   start,
		session: Session{
			ID:        uuid.New().String(),
			State:     StateRunning,
			Command:   slices.Clone(req.Command),
			WorkDir:   req.Dir,
			PID:       ch.cmd.Process.Pid,
			PGID:      ch.group.ID(),
			StartedAt: start.UTC(),
		},
	}

	c.logger.Info("session started",
		"session", r.session.ID,
		"command", commandName(req.Command),
		"pid", r.session.PID,
		"pgid", r.session.PGID)

	return r, nil
}

// Run is a started session.
type Run struct {
	ctrl    *Controller
	ctx     context.Context
	child   *child
	payload []byte
	start   time.Time

	mu      sync.RWMutex
	session Session

	waitOnce sync.Once
	outcome  *ExitOutcome
}

// Session returns a copy of the run's current session record.
func (r *Run) Session() Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.session
	s.Command = slices.Clone(s.Command)
	return s
}

// Wait drives the run to completion and returns its outcome. Later calls
// return the same outcome.
func (r *Run) Wait() *ExitOutcome {
	r.waitOnce.Do(func() {
		r.outcome = r.wait()
	})
	return r.outcome
}

func (r *Run) wait() *ExitOutcome {
	cfg := r.ctrl.cfg
	logger := r.ctrl.logger.With("session", r.session.ID)
	mux := newMultiplexer(cfg, r.child, r.ctrl.stdout, r.ctrl.stderr, logger, r.start)

	var (
		helpers  errgroup.Group
		stdinErr error
	)
	helpers.Go(func() error { return mux.read(r.child.stdout, OutputStdout) })
	helpers.Go(func() error { return mux.read(r.child.stderr, OutputStderr) })
	if r.payload != nil {
		helpers.Go(func() error {
			stdinErr = r.child.writePayload(r.payload)
			return nil
		})
	}

	// Termination is established before the loop so that a panic inside it
	// still tears the process group down.
	var exitedOnItsOwn bool
	shutdown := sync.OnceFunc(func() {
		exitedOnItsOwn = r.child.hasExited()

		done := make(chan struct{})
		go func() {
			defer close(done)
			terminateGroup(r.child.group, r.child.exited, cfg.GracePeriod, logger)
		}()
		mux.drain(done, false)

		windowDone := make(chan struct{})
		window := time.AfterFunc(cfg.DrainWindow, func() { close(windowDone) })
		mux.drain(windowDone, true)
		window.Stop()

		close(mux.stop)
		r.child.closePipes()
		_ = helpers.Wait()
	})
	defer shutdown()

	reason := mux.loop(r.ctx)
	logger.Debug("session loop ended", "reason", reason)
	shutdown()

	if reason != ReasonSentinelFound && mux.sentinelSeen {
		logger.Info("sentinel found during shutdown", "reason", reason)
		reason = ReasonSentinelFound
	}

	childCode := -1
	if exitedOnItsOwn {
		childCode = r.child.exitStatus()
	}

	outcome := &ExitOutcome{
		ExitCode:      exitCodeFor(reason, childCode),
		Reason:        reason,
		ChildExitCode: childCode,
		Stdout:        mux.stdout.Bytes(),
		Stderr:        mux.stderr.Bytes(),
		Duration:      time.Since(r.start),
	}
	if stdinErr != nil {
		logger.Warn("stdin payload not delivered", "error", stdinErr)
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("stdin payload not delivered: %v", stdinErr))
	}

	r.mu.Lock()
	r.session.State = outcome.State()
	r.session.EndedAt = time.Now().UTC()
	r.mu.Unlock()

	logger.Info("session finished",
		"reason", outcome.Reason,
		"exit_code", outcome.ExitCode,
		"duration", outcome.Duration.Round(time.Millisecond))

	return outcome
}

func commandName(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}
