//go:build unix

package session

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup makes the child the leader of a new process group so that
// signals reach it and everything it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

type unixProcessGroup struct {
	pgid int
}

// newProcessGroup returns the group led by a started command. The pgid equals
// the leader's pid because of Setpgid.
func newProcessGroup(cmd *exec.Cmd, _ <-chan struct{}) ProcessGroup {
	return &unixProcessGroup{pgid: cmd.Process.Pid}
}

func (g *unixProcessGroup) ID() int { return g.pgid }

func (g *unixProcessGroup) Terminate() error {
	return g.signal(unix.SIGTERM)
}

func (g *unixProcessGroup) Kill() error {
	return g.signal(unix.SIGKILL)
}

// Alive probes the group with signal 0. EPERM still means a member exists.
func (g *unixProcessGroup) Alive() bool {
	err := unix.Kill(-g.pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (g *unixProcessGroup) signal(sig unix.Signal) error {
	// Negative pid addresses the whole group.
	err := unix.Kill(-g.pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// signalExitCode maps a death by signal to 128+signal.
func signalExitCode(state *os.ProcessState) (int, bool) {
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return 0, false
	}
	return 128 + int(status.Signal()), true
}
