package session

import (
	"fmt"
	"time"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

// Reason records why a run ended.
type Reason string

const (
	ReasonSentinelFound Reason = "sentinel_found"
	ReasonHardTimeout   Reason = "hard_timeout"
	ReasonIdleTimeout   Reason = "idle_timeout"
	ReasonProcessExited Reason = "process_exited"
	ReasonLaunchError   Reason = "launch_error"
	ReasonCanceled      Reason = "canceled"
)

// Exit codes reported for outcomes that do not carry the child's own code.
const (
	ExitCodeTimeout     = 124
	ExitCodeLaunchError = 127
	ExitCodeCanceled    = 130
)

// Session holds metadata and state for one controlled child process.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Command   []string  `json:"command"`
	WorkDir   string    `json:"workDir"`
	PID       int       `json:"pid"`
	PGID      int       `json:"pgid"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitzero"`
}

// ExitOutcome is the final result of a run. It is built once when the run
// ends and never modified afterwards.
type ExitOutcome struct {
	// ExitCode follows the CLI convention: 0 for a found sentinel, 124 for
	// either timeout, 127 for a launch failure, 130 for cancellation and the
	// child's own code otherwise.
	ExitCode int    `json:"exitCode"`
	Reason   Reason `json:"reason"`

	// ChildExitCode is the child's real exit status, or -1 when the child
	// had not exited on its own before termination.
	ChildExitCode int `json:"childExitCode"`

	Stdout []byte `json:"-"`
	Stderr []byte `json:"-"`

	// Warnings holds non-fatal problems such as a failed stdin write.
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

// State maps the outcome onto the terminal session state.
func (o *ExitOutcome) State() State {
	switch o.Reason {
	case ReasonSentinelFound:
		return StateCompleted
	case ReasonHardTimeout, ReasonIdleTimeout:
		return StateTimedOut
	case ReasonProcessExited:
		if o.ChildExitCode == 0 {
			return StateCompleted
		}
		return StateFailed
	default:
		return StateFailed
	}
}

// TimedOut reports whether either deadline ended the run.
func (o *ExitOutcome) TimedOut() bool {
	return o.Reason == ReasonHardTimeout || o.Reason == ReasonIdleTimeout
}

func (o *ExitOutcome) String() string {
	return fmt.Sprintf("%s (exit %d)", o.Reason, o.ExitCode)
}

// exitCodeFor applies the exit code convention for a reason.
func exitCodeFor(reason Reason, childExitCode int) int {
	switch reason {
	case ReasonSentinelFound:
		return 0
	case ReasonHardTimeout, ReasonIdleTimeout:
		return ExitCodeTimeout
	case ReasonLaunchError:
		return ExitCodeLaunchError
	case ReasonCanceled:
		return ExitCodeCanceled
	default:
		return childExitCode
	}
}

// OutputEventType distinguishes stdout, stderr, and exit events.
type OutputEventType string

const (
	OutputStdout OutputEventType = "stdout"
	OutputStderr OutputEventType = "stderr"
	OutputExit   OutputEventType = "exit"
)

// OutputEvent is a chunk of output from a run, or its exit notification.
type OutputEvent struct {
	RunID     string          `json:"runId"`
	Type      OutputEventType `json:"type"`
	Data      string          `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}
