package session

import (
	"log/slog"
	"time"
)

const (
	groupProbeInterval = 20 * time.Millisecond
	killSettleTimeout  = time.Second
)

// terminateGroup stops every process in group. It sends SIGTERM, waits up to
// grace for the group to disappear, and escalates to SIGKILL if it has not.
// Errors from signalling an already-exited group are expected and ignored.
func terminateGroup(group ProcessGroup, exited <-chan struct{}, grace time.Duration, logger *slog.Logger) {
	if err := group.Terminate(); err != nil {
		logger.Debug("terminate process group", "pgid", group.ID(), "error", err)
	}

	if !waitGroupGone(group, grace) {
		logger.Warn("process group ignored SIGTERM, killing", "pgid", group.ID(), "grace", grace)
		if err := group.Kill(); err != nil {
			logger.Debug("kill process group", "pgid", group.ID(), "error", err)
		}
		if !waitGroupGone(group, killSettleTimeout) {
			logger.Warn("process group still visible after SIGKILL", "pgid", group.ID())
		}
	}

	// The leader is reaped by the wait goroutine; give it a moment so the
	// caller observes a final process state.
	select {
	case <-exited:
	case <-time.After(killSettleTimeout):
	}
}

// waitGroupGone polls the group until it has no members or timeout passes.
func waitGroupGone(group ProcessGroup, timeout time.Duration) bool {
	if !group.Alive() {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(groupProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !group.Alive() {
				return true
			}
		case <-deadline.C:
			return !group.Alive()
		}
	}
}
