// SPDX-License-Identifier: Apache-2.0

package helper

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Process is a running helper as far as teardown is concerned.
type Process interface {
	Pid() int
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
	// Alive probes the process with the null signal.
	Alive() bool
	// Wait blocks until the process has been reaped.
	Wait()
}

// osProcess is a child started by spawn. A goroutine waits on it from the
// moment it starts, so it never lingers as a zombie; reaped is closed once
// that wait returns.
type osProcess struct {
	cmd    *exec.Cmd
	reaped chan struct{}
}

func newOSProcess(cmd *exec.Cmd) *osProcess {
	p := &osProcess{cmd: cmd, reaped: make(chan struct{})}
	go func() {
		// The exit status is read from cmd.ProcessState.
		_ = cmd.Wait()
		close(p.reaped)
	}()
	return p
}

func (p *osProcess) Pid() int { return p.cmd.Process.Pid }

func (p *osProcess) Terminate() error { return p.cmd.Process.Signal(unix.SIGTERM) }

func (p *osProcess) Kill() error { return p.cmd.Process.Signal(unix.SIGKILL) }

func (p *osProcess) Alive() bool {
	select {
	case <-p.reaped:
		return false
	default:
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

func (p *osProcess) Wait() { <-p.reaped }

// Reaped is closed once the process has been waited for.
func (p *osProcess) Reaped() <-chan struct{} { return p.reaped }

// exitCode returns the exit status, or -1 if the process was killed by a
// signal. It must only be called after Reaped is closed.
func (p *osProcess) exitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// spawn starts the helper with its stdin and stdout connected to pipes and
// returns the parent's ends. stderr is inherited. The child runs in a
// process group of its own.
//
// The pipes are created here rather than through exec.Cmd so that reaping
// the process does not close them under the reader.
func spawn(p SpawnParams) (proc *osProcess, stdin, stdout *os.File, err error) {
	if p.Path == "" {
		return nil, nil, nil, errors.New("no helper path")
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}

	cmd := exec.Command(p.Path, p.Args()...)
	cmd.Env = FilterEnv(os.Environ())
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startErr := cmd.Start()
	// The child holds its own copies now.
	inR.Close()
	outW.Close()
	if startErr != nil {
		inW.Close()
		outR.Close()
		return nil, nil, nil, startErr
	}
	return newOSProcess(cmd), inW, outR, nil
}
