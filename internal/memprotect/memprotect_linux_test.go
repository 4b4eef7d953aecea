// SPDX-License-Identifier: Apache-2.0

//go:build linux

package memprotect

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const childEnv = "MEMPROTECT_TEST_CHILD"

// TestMain lets the dumpable test run in a child copy of the test binary so
// the parent keeps its core-dump setting.
func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
			os.Exit(2)
		}
		d, err := Dumpable()
		if err != nil || d {
			os.Exit(3)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestDumpableReflectsPrctl(t *testing.T) {
	_, err := Dumpable()
	require.NoError(t, err)

	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), childEnv+"=1")
	err = cmd.Run()
	assert.NoError(t, err)
}
