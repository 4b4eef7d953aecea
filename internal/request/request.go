// SPDX-License-Identifier: Apache-2.0

// Package request models one in-flight secrets request from the network
// daemon and the registry that tracks all of them.
//
// All methods must be called from the agent's event loop; nothing here is
// safe for concurrent use.
package request

import (
	"fmt"
	"strings"

	"github.com/akihiro/nm-secret-agent/internal/connection"
)

// ID correlates a request with a later cancellation.
type ID struct {
	ConnectionPath string
	SettingName    string
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%s", id.ConnectionPath, id.SettingName)
}

// Flags are the daemon's GetSecrets flags.
type Flags uint32

const (
	FlagAllowInteraction Flags = 0x1
	FlagRequestNew       Flags = 0x2
	FlagUserRequested    Flags = 0x4
	FlagWPSPBCActive     Flags = 0x8
	FlagOnlySystem       Flags = 0x80000000
	FlagNoErrors         Flags = 0x40000000
)

// Has reports whether every bit of mask is set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagAllowInteraction, "allow-interaction"},
	{FlagRequestNew, "request-new"},
	{FlagUserRequested, "user-requested"},
	{FlagWPSPBCActive, "wps-pbc-active"},
	{FlagOnlySystem, "only-system"},
	{FlagNoErrors, "no-errors"},
}

// String lists the set flags by name, for logging. Unknown bits are
// appended in hex.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
			f &^= fn.flag
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(f)))
	}
	return strings.Join(names, "|")
}

// State is a position in a request's lifecycle.
type State int

const (
	StateCreated State = iota
	StateDispatched
	StateAwaitingExternal
	StateCompleted
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDispatched:
		return "dispatched"
	case StateAwaitingExternal:
		return "awaiting-external"
	case StateCompleted:
		return "completed"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Secrets maps a setting name to the secret keys and values for it.
type Secrets map[string]map[string]any

// Callback receives the outcome of a request. Exactly one of secrets and err
// is non-nil.
type Callback func(secrets Secrets, err error)

// Extension is the type-specific state a handler attaches to a request: a
// helper process for VPN connections, an open dialog for the rest. Release
// tears it down and is called once, after the callback.
type Extension interface {
	Release()
}

// Request is one in-flight secrets request.
type Request struct {
	ID          ID
	SettingName string
	Hints       []string
	Flags       Flags
	Connection  *connection.Connection

	state    State
	callback Callback
	ext      Extension
	registry *Registry
}

// New returns a request in the created state.
func New(conn *connection.Connection, settingName string, hints []string, flags Flags, cb Callback) *Request {
	return &Request{
		ID:          ID{ConnectionPath: conn.Path, SettingName: settingName},
		SettingName: settingName,
		Hints:       append([]string(nil), hints...),
		Flags:       flags,
		Connection:  conn,
		callback:    cb,
	}
}

// State returns the current lifecycle state.
func (r *Request) State() State { return r.state }

// Active reports whether the request has not completed yet.
func (r *Request) Active() bool { return r.state < StateCompleted }

// Dispatched records that a handler has been chosen.
func (r *Request) Dispatched() {
	if r.state == StateCreated {
		r.state = StateDispatched
	}
}

// Await attaches ext and records that the result now depends on something
// external. If the request already completed, ext is released right away.
func (r *Request) Await(ext Extension) {
	if !r.Active() {
		if ext != nil {
			ext.Release()
		}
		return
	}
	r.ext = ext
	r.state = StateAwaitingExternal
}

// Extension returns the attached extension, if any.
func (r *Request) Extension() Extension { return r.ext }

// SetConnection replaces the descriptor, for example after existing secrets
// have been merged in.
func (r *Request) SetConnection(conn *connection.Connection) {
	r.Connection = conn
}

// Complete delivers the outcome and releases the request. The callback runs
// first, then the extension is released and the request leaves its
// registry. It reports false, doing nothing, if the request was already
// completed.
func (r *Request) Complete(secrets Secrets, err error) bool {
	if !r.Active() {
		return false
	}
	r.state = StateCompleted
	if r.registry != nil {
		r.registry.remove(r)
	}

	cb := r.callback
	r.callback = nil
	if err != nil {
		secrets = nil
	} else if secrets == nil {
		secrets = Secrets{}
	}
	if cb != nil {
		cb(secrets, err)
	}

	ext := r.ext
	r.ext = nil
	if ext != nil {
		ext.Release()
	}
	r.state = StateReleased
	return true
}

// Succeed completes the request with secrets.
func (r *Request) Succeed(secrets Secrets) bool { return r.Complete(secrets, nil) }

// Fail completes the request with err.
func (r *Request) Fail(err error) bool { return r.Complete(nil, err) }
