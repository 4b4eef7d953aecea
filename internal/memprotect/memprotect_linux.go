// SPDX-License-Identifier: Apache-2.0

//go:build linux

// Package memprotect keeps secrets handled by the agent out of core dumps,
// ptrace peers and swap.
package memprotect

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// HardenProcess must run before the first secret request is accepted.
//
// prctl(PR_SET_DUMPABLE, 0) disables core dumps and makes /proc/<pid>/mem
// unreadable to other processes of the same user. Child helpers do not
// inherit it; they are separate executables.
//
// mlockall(MCL_CURRENT|MCL_FUTURE) keeps pages holding prompted passwords
// and helper replies out of swap. Failure there is logged and tolerated.
func HardenProcess(logger *slog.Logger) error {
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl PR_SET_DUMPABLE=0: %w", err)
	}

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		// RLIMIT_MEMLOCK is often small for unprivileged users.
		logger.Warn("mlockall failed, secrets may reach swap", "err", err)
	}
	return nil
}

// Dumpable reports the current PR_GET_DUMPABLE value.
func Dumpable() (bool, error) {
	v, err := unix.PrctlRetInt(unix.PR_GET_DUMPABLE, 0, 0, 0, 0)
	if err != nil {
		return false, fmt.Errorf("prctl PR_GET_DUMPABLE: %w", err)
	}
	return v != 0, nil
}
