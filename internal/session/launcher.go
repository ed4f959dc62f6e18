package session

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
)

// ErrLaunch is returned when the child process could not be created.
var ErrLaunch = errors.New("launch failed")

// Request describes one child process to run.
type Request struct {
	// Command is the argv of the child. Command[0] is resolved through PATH.
	Command []string

	// Dir is the child's working directory. Empty means the caller's.
	Dir string

	// Env overrides variables of the controller's own environment.
	Env map[string]string

	// Payload is written to the child's stdin, which is then closed.
	// A nil Payload gives the child the null device as stdin.
	Payload []byte
}

// child is a started process with the controller's ends of its pipes.
type child struct {
	cmd    *exec.Cmd
	group  ProcessGroup
	stdout *os.File
	stderr *os.File
	stdin  *os.File

	// exited is closed once cmd.Wait has returned and the child is reaped.
	exited chan struct{}
}

// launch starts req in a new process group. Both output pipes are owned by the
// returned child; on error nothing is left running and every descriptor is
// closed.
func launch(req Request) (*child, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrLaunch)
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	setProcessGroup(cmd)

	// Track descriptors for cleanup on error. The child ends are closed in
	// the parent after Start either way.
	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdout pipe: %w", ErrLaunch, err)
	}
	parentEnds = append(parentEnds, stdoutR)
	childEnds = append(childEnds, stdoutW)
	cmd.Stdout = stdoutW

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, fmt.Errorf("%w: create stderr pipe: %w", ErrLaunch, err)
	}
	parentEnds = append(parentEnds, stderrR)
	childEnds = append(childEnds, stderrW)
	cmd.Stderr = stderrW

	var stdinW *os.File
	if req.Payload != nil {
		stdinR, w, err := os.Pipe()
		if err != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			return nil, fmt.Errorf("%w: create stdin pipe: %w", ErrLaunch, err)
		}
		stdinW = w
		parentEnds = append(parentEnds, stdinW)
		childEnds = append(childEnds, stdinR)
		cmd.Stdin = stdinR
	}

	if err := cmd.Start(); err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, fmt.Errorf("%w: %s: %w", ErrLaunch, req.Command[0], err)
	}

	// The child holds its own copies now. Keeping ours open would stop the
	// read ends from ever reaching EOF.
	closeAll(childEnds)

	c := &child{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		stdin:  stdinW,
		exited: make(chan struct{}),
	}
	c.group = newProcessGroup(cmd, c.exited)

	go func() {
		// The error is reflected in cmd.ProcessState.
		_ = cmd.Wait()
		close(c.exited)
	}()

	return c, nil
}

// writePayload delivers the payload and closes stdin so the child sees EOF.
func (c *child) writePayload(payload []byte) error {
	_, werr := c.stdin.Write(payload)
	cerr := c.stdin.Close()
	if werr != nil {
		return fmt.Errorf("write stdin: %w", werr)
	}
	if cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		return fmt.Errorf("close stdin: %w", cerr)
	}
	return nil
}

// hasExited reports whether the child has been reaped.
func (c *child) hasExited() bool {
	select {
	case <-c.exited:
		return true
	default:
		return false
	}
}

// exitStatus returns the child's exit code, using the shell convention of
// 128+signal for a child killed by a signal. Only valid after exited closed.
func (c *child) exitStatus() int {
	state := c.cmd.ProcessState
	if state == nil {
		return -1
	}
	if code, ok := signalExitCode(state); ok {
		return code
	}
	return state.ExitCode()
}

// closePipes closes the controller's ends of all pipes. Pending reads and
// writes return os.ErrClosed.
func (c *child) closePipes() {
	_ = c.stdout.Close()
	_ = c.stderr.Close()
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
}

// mergeEnv appends overrides to base in key order. exec.Cmd uses the last
// value for duplicate keys, so overrides win.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := slices.Clone(base)
	for _, key := range slices.Sorted(maps.Keys(overrides)) {
		env = append(env, key+"="+overrides[key])
	}
	return env
}
