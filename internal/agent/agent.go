// SPDX-License-Identifier: Apache-2.0

// Package agent answers the network daemon's secrets requests. It picks a
// handler by connection type, runs VPN auth helpers or prompts the user,
// and exports the whole thing as a NetworkManager secret agent on D-Bus.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akihiro/nm-secret-agent/internal/connection"
	"github.com/akihiro/nm-secret-agent/internal/helper"
	"github.com/akihiro/nm-secret-agent/internal/loop"
	"github.com/akihiro/nm-secret-agent/internal/prompt"
	"github.com/akihiro/nm-secret-agent/internal/request"
)

// prefetchTimeout bounds the query for secrets the daemon already holds.
const prefetchTimeout = 10 * time.Second

// Daemon is the part of the network daemon the agent queries itself.
type Daemon interface {
	// ExistingSecrets returns the secrets the daemon already stores for one
	// setting of a connection.
	ExistingSecrets(ctx context.Context, connPath, setting string) (connection.Settings, error)
}

// PluginResolver finds the auth-dialog of a VPN plugin. *vpnplugin.Registry
// implements it.
type PluginResolver interface {
	AuthDialog(serviceType string) (path string, supportsHints bool, err error)
}

// Config holds the agent's collaborators and options.
type Config struct {
	Plugins PluginResolver
	// Prompter asks for non-VPN secrets. When nil, such requests fail with
	// request.ErrNoSecrets.
	Prompter prompt.Prompter
	// Daemon is asked for existing secrets before a non-VPN handler runs.
	// When nil the query is skipped.
	Daemon Daemon
	// VPNOnly makes every non-VPN request fail with request.ErrNoSecrets.
	VPNOnly bool
	Logger  *slog.Logger
}

// Agent owns the in-flight requests. Its methods must be called on the loop
// it was created with.
type Agent struct {
	loop     *loop.Loop
	cfg      Config
	registry *request.Registry
	sup      *helper.Supervisor
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// New returns an agent running on l.
func New(l *loop.Loop, cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		loop:     l,
		cfg:      cfg,
		registry: request.NewRegistry(),
		sup:      helper.NewSupervisor(l, cfg.Logger),
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Pending returns the number of requests in flight.
func (a *Agent) Pending() int { return a.registry.Len() }

// GetSecrets starts a request for the secrets of one setting of conn. cb is
// called exactly once, on the loop, with the secrets or an error.
func (a *Agent) GetSecrets(conn *connection.Connection, setting string, hints []string, flags request.Flags, cb request.Callback) {
	req := request.New(conn, setting, hints, flags, cb)
	log := a.logger.With("request", req.ID.String())

	if a.closed {
		req.Fail(request.ErrShuttingDown)
		return
	}
	if err := a.registry.Register(req); err != nil {
		log.Warn("secrets request rejected", "err", err)
		req.Fail(err)
		return
	}
	if err := conn.Validate(); err != nil {
		log.Warn("invalid connection", "err", err)
		req.Fail(fmt.Errorf("%w: %v", request.ErrInvalidConnection, err))
		return
	}

	h, err := a.resolve(req)
	if err != nil {
		log.Info("secrets request not handled", "type", conn.Type(), "err", err)
		req.Fail(err)
		return
	}
	req.Dispatched()
	log.Debug("secrets requested", "type", conn.Type(), "hints", req.Hints, "flags", flags)

	if conn.Type() == connection.SettingVPN || a.cfg.Daemon == nil {
		a.run(req, h)
		return
	}
	a.prefetch(req, h)
}

// CancelSecrets cancels the request with the given id. Cancelling a request
// that already finished does nothing.
func (a *Agent) CancelSecrets(id request.ID) {
	req := a.registry.UnregisterAndFind(id)
	if req == nil {
		a.logger.Debug("cancel for unknown request", "request", id.String())
		return
	}
	a.logger.Info("secrets request canceled", "request", id.String())
	req.Fail(fmt.Errorf("%w: canceled by the network daemon", request.ErrUserCanceled))
}

// Shutdown fails every request in flight and reaps every helper. Requests
// arriving afterwards fail at once.
func (a *Agent) Shutdown() {
	if a.closed {
		return
	}
	a.closed = true
	a.cancel()
	if n := a.registry.Len(); n > 0 {
		a.logger.Info("failing outstanding secrets requests", "count", n)
	}
	a.registry.ReleaseAll(request.ErrShuttingDown)
	a.sup.Shutdown()
}

// prefetch merges the secrets the daemon already has into the request's
// connection before the handler runs. A failed query clears them instead.
func (a *Agent) prefetch(req *request.Request, h handler) {
	path, setting := req.Connection.Path, req.SettingName
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, prefetchTimeout)
		defer cancel()
		existing, err := a.cfg.Daemon.ExistingSecrets(ctx, path, setting)
		a.loop.Post(func() {
			if !req.Active() {
				return
			}
			if err != nil {
				a.logger.Debug("no existing secrets", "request", req.ID.String(), "err", err)
				req.SetConnection(req.Connection.WithoutSecrets())
			} else {
				req.SetConnection(req.Connection.WithSecrets(setting, existing[setting]))
			}
			a.run(req, h)
		})
	}()
}

func (a *Agent) run(req *request.Request, h handler) {
	ext, err := h(a, req)
	if err != nil {
		a.logger.Warn("secrets handler failed", "request", req.ID.String(), "err", err)
		req.Fail(request.Classify(err))
		return
	}
	req.Await(ext)
}
