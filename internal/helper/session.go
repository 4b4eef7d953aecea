// SPDX-License-Identifier: Apache-2.0

package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/akihiro/nm-secret-agent/internal/ipc"
)

// drainTimeout bounds how long exit handling waits for the helper's stdout
// to reach EOF. A grandchild holding the pipe open must not stall it.
const drainTimeout = 500 * time.Millisecond

// EventLoop is the part of *loop.Loop the supervisor needs.
type EventLoop interface {
	Scheduler
	Post(fn func()) bool
}

// ExitError reports a helper that exited with a nonzero status or was
// killed by a signal (Code -1).
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	if e.Code < 0 {
		return "helper killed by signal"
	}
	return fmt.Sprintf("helper exited with status %d", e.Code)
}

// WriteError reports that the record could not be handed to the helper in
// full. The helper is terminated when it occurs.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return "write to helper: " + e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }

// DoneFunc receives a helper's answer: its stdout paired into a map when it
// exited successfully, an *ExitError when it did not, or a *WriteError when
// the record could not be written. It runs on the loop.
type DoneFunc func(pairs map[string]string, err error)

// Supervisor starts helpers and owns the reaper that terminates them.
type Supervisor struct {
	ev     EventLoop
	reaper *Reaper
	logger *slog.Logger
}

// NewSupervisor returns a supervisor whose callbacks run on ev.
func NewSupervisor(ev EventLoop, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{ev: ev, reaper: NewReaper(ev, logger), logger: logger}
}

// Reaper returns the supervisor's reaper.
func (s *Supervisor) Reaper() *Reaper { return s.reaper }

// Shutdown kills every helper still inside its grace period and reaps it.
func (s *Supervisor) Shutdown() { s.reaper.Flush() }

// Session is one running helper: its pipes, the lines read so far and the
// watches on its stdout and exit. It must be used from the loop goroutine.
type Session struct {
	proc   *osProcess
	guard  *Guard
	stdin  *os.File
	stdout *os.File
	acc    ipc.Accumulator

	// quit asks the writer to send QUIT; stop tells it to give up.
	quit chan struct{}
	stop chan struct{}

	ev       EventLoop
	done     DoneFunc
	logger   *slog.Logger
	released bool
}

// Start spawns the helper described by p and starts watching it. rec is
// written to the helper's stdin from another goroutine so a helper that does
// not read cannot stall the loop. done is called at most once, when the
// helper exits or the write fails, unless the session is released first.
// A failed spawn is returned as an error and leaves nothing running.
func (s *Supervisor) Start(p SpawnParams, rec ipc.Record, done DoneFunc) (*Session, error) {
	proc, stdin, stdout, err := spawn(p)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", p.Path, err)
	}
	sess := &Session{
		proc:   proc,
		guard:  NewGuard(proc, s.reaper),
		stdin:  stdin,
		stdout: stdout,
		quit:   make(chan struct{}),
		stop:   make(chan struct{}),
		ev:     s.ev,
		done:   done,
		logger: s.logger.With("pid", proc.Pid(), "helper", p.Path),
	}
	sess.logger.Debug("helper: started", "service", p.ServiceType)

	sess.watch(ipc.Encode(rec))
	return sess, nil
}

// Pid returns the helper's process id.
func (s *Session) Pid() int { return s.proc.Pid() }

// Lines returns the non-blank lines read so far.
func (s *Session) Lines() []string { return s.acc.Lines() }

func (s *Session) watch(record []byte) {
	writeDone := make(chan struct{})
	go s.write(record, writeDone)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		err := ipc.ReadLines(s.stdout, func(line string) {
			s.ev.Post(func() { s.handleLine(line) })
		})
		if err != nil && !errors.Is(err, os.ErrClosed) {
			s.ev.Post(func() {
				if !s.released {
					s.logger.Warn("helper: reading stdout", "err", err)
				}
			})
		}
	}()
	go func() {
		<-s.proc.Reaped()
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		select {
		case <-readDone:
		case <-ctx.Done():
		}
		// A write failure is reported before the exit.
		select {
		case <-writeDone:
		case <-ctx.Done():
		}
		s.ev.Post(s.handleExit)
	}()
}

// write sends the record, reports the outcome to the loop, then sends QUIT
// once the answer is complete. Release unblocks a pending write by closing
// stdin.
func (s *Session) write(record []byte, writeDone chan<- struct{}) {
	n, err := s.stdin.Write(record)
	if err == nil && n != len(record) {
		err = io.ErrShortWrite
	}
	s.ev.Post(func() { s.handleWritten(err) })
	close(writeDone)
	if err != nil {
		return
	}
	select {
	case <-s.quit:
		// The helper's exit is watched separately, so a failed QUIT is harmless.
		if _, err := io.WriteString(s.stdin, ipc.QuitMessage); err != nil {
			s.logger.Debug("helper: writing QUIT", "err", err)
		}
	case <-s.stop:
	}
}

func (s *Session) handleWritten(err error) {
	if err == nil || s.released {
		return
	}
	s.logger.Warn("helper: writing record", "err", err)
	done := s.done
	s.Release()
	done(nil, &WriteError{Err: err})
}

func (s *Session) handleLine(line string) {
	if s.released {
		return
	}
	if s.acc.Feed(line) {
		close(s.quit)
	}
}

func (s *Session) handleExit() {
	if s.released {
		return
	}
	s.guard.Detach()
	code := s.proc.exitCode()
	s.logger.Debug("helper: exited", "status", code, "answered", s.acc.Finished())

	done := s.done
	s.done = nil
	if code != 0 {
		done(nil, &ExitError{Code: code})
		return
	}
	done(s.acc.Pairs(), nil)
}

// Release stops watching the helper, terminates it if it is still running
// and closes the pipes. It is safe to call more than once.
func (s *Session) Release() {
	if s.released {
		return
	}
	s.released = true
	s.done = nil
	close(s.stop)
	s.guard.Release()
	s.stdin.Close()
	s.stdout.Close()
	s.acc.Reset()
}
