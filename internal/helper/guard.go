// SPDX-License-Identifier: Apache-2.0

package helper

import (
	"log/slog"
	"time"

	"github.com/akihiro/nm-secret-agent/internal/loop"
)

// GracePeriod is how long a helper has to exit after SIGTERM before it is
// killed.
const GracePeriod = 2 * time.Second

// Scheduler runs a callback after a delay. *loop.Loop implements it.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) loop.Timer
}

// Reaper terminates helpers and keeps track of those still inside their
// grace period.
type Reaper struct {
	sched   Scheduler
	grace   time.Duration
	logger  *slog.Logger
	pending map[*pendingKill]struct{}
}

type pendingKill struct {
	proc  Process
	timer loop.Timer
}

// NewReaper returns a Reaper that schedules grace-period checks on sched.
func NewReaper(sched Scheduler, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		sched:   sched,
		grace:   GracePeriod,
		logger:  logger,
		pending: make(map[*pendingKill]struct{}),
	}
}

// Terminate stops proc. If SIGTERM cannot be delivered the process is killed
// and reaped at once. Otherwise a check runs after the grace period that
// kills the process if it is still alive and then reaps it.
func (r *Reaper) Terminate(proc Process) {
	if err := proc.Terminate(); err != nil {
		r.logger.Debug("helper: SIGTERM failed, killing", "pid", proc.Pid(), "err", err)
		r.kill(proc)
		return
	}
	pk := &pendingKill{proc: proc}
	r.pending[pk] = struct{}{}
	pk.timer = r.sched.AfterFunc(r.grace, func() {
		delete(r.pending, pk)
		r.check(proc)
	})
}

// Pending returns the number of helpers inside their grace period.
func (r *Reaper) Pending() int { return len(r.pending) }

// Flush runs every pending grace-period check now. It is called at shutdown,
// when the scheduler is about to stop.
func (r *Reaper) Flush() {
	for pk := range r.pending {
		delete(r.pending, pk)
		if pk.timer != nil && !pk.timer.Stop() {
			continue
		}
		r.check(pk.proc)
	}
}

func (r *Reaper) check(proc Process) {
	if proc.Alive() {
		r.logger.Info("helper: still running after grace period, killing", "pid", proc.Pid())
		if err := proc.Kill(); err != nil {
			r.logger.Debug("helper: SIGKILL failed", "pid", proc.Pid(), "err", err)
		}
	}
	proc.Wait()
}

func (r *Reaper) kill(proc Process) {
	if err := proc.Kill(); err != nil {
		r.logger.Debug("helper: SIGKILL failed", "pid", proc.Pid(), "err", err)
	}
	proc.Wait()
}

// Guard owns a helper process and terminates it through a Reaper when
// released.
type Guard struct {
	proc   Process
	reaper *Reaper
}

// NewGuard returns a guard for proc.
func NewGuard(proc Process, reaper *Reaper) *Guard {
	return &Guard{proc: proc, reaper: reaper}
}

// Process returns the guarded process, or nil once it has been released or
// detached.
func (g *Guard) Process() Process { return g.proc }

// Detach forgets a process that has already been reaped.
func (g *Guard) Detach() { g.proc = nil }

// Release terminates the guarded process. Later calls do nothing.
func (g *Guard) Release() {
	if g.proc == nil {
		return
	}
	proc := g.proc
	g.proc = nil
	g.reaper.Terminate(proc)
}
