//go:build !unix

package session

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// processOnlyGroup falls back to signalling the child alone. Descendants may
// outlive it on platforms without process groups.
type processOnlyGroup struct {
	proc   *os.Process
	exited <-chan struct{}
}

func newProcessGroup(cmd *exec.Cmd, exited <-chan struct{}) ProcessGroup {
	return &processOnlyGroup{proc: cmd.Process, exited: exited}
}

func (g *processOnlyGroup) ID() int { return g.proc.Pid }

func (g *processOnlyGroup) Terminate() error {
	return g.Kill()
}

func (g *processOnlyGroup) Kill() error {
	err := g.proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (g *processOnlyGroup) Alive() bool {
	select {
	case <-g.exited:
		return false
	default:
		return true
	}
}

func signalExitCode(*os.ProcessState) (int, bool) {
	return 0, false
}
