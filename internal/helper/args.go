// SPDX-License-Identifier: Apache-2.0

// Package helper runs VPN authentication helpers: external programs, one per
// VPN plugin, that ask the user for that VPN's secrets and report them over
// the ipc line protocol.
package helper

import "strings"

// DebugEnvVar is removed from the helper's environment so that library debug
// output does not end up on its stdout, which carries data.
const DebugEnvVar = "G_MESSAGES_DEBUG"

// SpawnParams describes one helper invocation.
type SpawnParams struct {
	// Path is the helper executable.
	Path           string
	ConnectionID   string
	ConnectionUUID string
	// ServiceType is the VPN plugin's D-Bus service name.
	ServiceType string
	Hints       []string
	// SupportsHints controls whether Hints are passed with -t.
	SupportsHints    bool
	AllowInteraction bool
	RequestNew       bool
}

// Args returns the helper's arguments, not including the program path:
//
//	-u <uuid> -n <id> -s <service> [-i] [-r] [-t <hint>]...
func (p SpawnParams) Args() []string {
	args := []string{"-u", p.ConnectionUUID, "-n", p.ConnectionID, "-s", p.ServiceType}
	if p.AllowInteraction {
		args = append(args, "-i")
	}
	if p.RequestNew {
		args = append(args, "-r")
	}
	if p.SupportsHints {
		for _, h := range p.Hints {
			args = append(args, "-t", h)
		}
	}
	return args
}

// Argv returns the full argument vector, program path first.
func (p SpawnParams) Argv() []string {
	return append([]string{p.Path}, p.Args()...)
}

// FilterEnv returns env without DebugEnvVar.
func FilterEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, DebugEnvVar+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
