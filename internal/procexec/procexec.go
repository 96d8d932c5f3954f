// Package procexec supervises a single child process placed in its own
// process group, so the entire tree it spawns can be signaled atomically on
// timeout or cancellation.
package procexec

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

// Output is the result of a completed or timed-out run.
type Output struct {
	Success  bool
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// ManagedChild is a started subprocess placed in its own process group.
type ManagedChild struct {
	cmd  *exec.Cmd
	pgid int
}

// PID returns the child's process ID.
func (c *ManagedChild) PID() int { return c.cmd.Process.Pid }

// Spawn starts cmd in cwd with env, placing it in a new process group and
// session so it survives the parent's own signal disposition and can be
// killed as a unit.
func Spawn(cmd string, args []string, cwd string, env []string) (*ManagedChild, error) {
	c := exec.Command(cmd, args...)
	c.Dir = cwd
	c.Env = env
	setGroupAttrs(c)
	if err := c.Start(); err != nil {
		return nil, &rseserrors.SubprocessError{Kind: "spawn", Cause: err}
	}
	return &ManagedChild{cmd: c, pgid: c.Process.Pid}, nil
}

// RunWithDeadline runs cmd to completion, concurrently draining stdout and
// stderr, enforcing timeout. On timeout the entire process group receives a
// polite termination, then a forced kill after grace if it has not exited.
// The child and all of its descendants are reaped before this function
// returns on every exit path, including timeout and parent cancellation.
func RunWithDeadline(ctx context.Context, cmdPath string, args []string, cwd string, env []string, timeout, grace time.Duration) (Output, error) {
	c := exec.Command(cmdPath, args...)
	c.Dir = cwd
	c.Env = env
	setGroupAttrs(c)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return Output{}, &rseserrors.SubprocessError{Kind: "spawn", Cause: err}
	}
	pgid := c.Process.Pid

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return finish(c, err)

	case <-timer.C:
		terminateGroup(c, pgid)
		select {
		case err := <-done:
			return finishTimedOut(c, err)
		case <-time.After(grace):
			killGroup(c, pgid)
			err := <-done
			return finishTimedOut(c, err)
		}

	case <-ctx.Done():
		terminateGroup(c, pgid)
		select {
		case err := <-done:
			return finish(c, err)
		case <-time.After(grace):
			killGroup(c, pgid)
			err := <-done
			return finish(c, err)
		}
	}
}

func finish(c *exec.Cmd, waitErr error) (Output, error) {
	out := Output{
		Stdout: c.Stdout.(*bytes.Buffer).Bytes(),
		Stderr: c.Stderr.(*bytes.Buffer).Bytes(),
	}
	if waitErr == nil {
		out.Success = true
		out.ExitCode = 0
		return out, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		out.ExitCode = exitErr.ExitCode()
		return out, &rseserrors.SubprocessError{Kind: "exit", ExitCode: out.ExitCode, Cause: waitErr}
	}
	return out, &rseserrors.SubprocessError{Kind: "spawn", Cause: waitErr}
}

func finishTimedOut(c *exec.Cmd, waitErr error) (Output, error) {
	out := Output{
		Stdout: c.Stdout.(*bytes.Buffer).Bytes(),
		Stderr: c.Stderr.(*bytes.Buffer).Bytes(),
	}
	return out, &rseserrors.SubprocessError{Kind: "timeout", Cause: waitErr}
}
