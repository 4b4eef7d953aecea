// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/akihiro/nm-secret-agent/internal/connection"
	"github.com/akihiro/nm-secret-agent/internal/loop"
	"github.com/akihiro/nm-secret-agent/internal/request"
)

// Service is the exported SecretAgent object. Its D-Bus methods run on
// godbus goroutines and hand the work to the agent's loop.
type Service struct {
	conn       *dbus.Conn
	agent      *Agent
	loop       *loop.Loop
	identifier string
	logger     *slog.Logger

	mu    sync.Mutex
	owner string // unique name of the network daemon
}

// NewService returns the D-Bus front of a.
func NewService(conn *dbus.Conn, a *Agent, l *loop.Loop, identifier string, logger *slog.Logger) *Service {
	if identifier == "" {
		identifier = DefaultIdentifier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{conn: conn, agent: a, loop: l, identifier: identifier, logger: logger}
}

// Export publishes the agent object and its introspection data.
func (s *Service) Export() error {
	if err := s.conn.Export(s, AgentPath, AgentIface); err != nil {
		return fmt.Errorf("export secret agent: %w", err)
	}
	node := &introspect.Node{
		Name: string(AgentPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: AgentIface, Methods: introspect.Methods(s)},
		},
	}
	if err := s.conn.Export(introspect.NewIntrospectable(node), AgentPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}
	return nil
}

// Register announces the agent to the network daemon.
func (s *Service) Register(ctx context.Context) error {
	var owner string
	if err := s.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetNameOwner", 0, DaemonBusName).Store(&owner); err != nil {
		return fmt.Errorf("look up %s: %w", DaemonBusName, err)
	}
	s.setOwner(owner)

	call := s.conn.Object(DaemonBusName, AgentManagerPath).
		CallWithContext(ctx, AgentManagerIface+".RegisterWithCapabilities", 0, s.identifier, CapabilityVPNHints)
	if call.Err != nil {
		return fmt.Errorf("register secret agent: %w", call.Err)
	}
	s.logger.Info("registered secret agent", "identifier", s.identifier, "daemon", owner)
	return nil
}

// Unregister withdraws the agent.
func (s *Service) Unregister(ctx context.Context) error {
	call := s.conn.Object(DaemonBusName, AgentManagerPath).
		CallWithContext(ctx, AgentManagerIface+".Unregister", 0)
	if call.Err != nil {
		return fmt.Errorf("unregister secret agent: %w", call.Err)
	}
	return nil
}

// Watch follows the network daemon's bus name and registers again each time
// the daemon restarts. It returns when ctx ends.
func (s *Service) Watch(ctx context.Context) error {
	if err := s.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, DaemonBusName),
	); err != nil {
		return fmt.Errorf("watch %s: %w", DaemonBusName, err)
	}
	ch := make(chan *dbus.Signal, 16)
	s.conn.Signal(ch)
	defer s.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleSignal(ctx, sig)
		}
	}
}

func (s *Service) handleSignal(ctx context.Context, sig *dbus.Signal) {
	if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) < 3 {
		return
	}
	// Body: [name, oldOwner, newOwner]
	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if name != DaemonBusName {
		return
	}
	s.setOwner(newOwner)
	if newOwner == "" {
		s.logger.Warn("network daemon left the bus")
		return
	}
	s.logger.Info("network daemon appeared, registering", "daemon", newOwner)
	if err := s.Register(ctx); err != nil {
		s.logger.Error("registration failed", "err", err)
	}
}

func (s *Service) setOwner(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = owner
}

// authorized reports whether sender is the network daemon.
func (s *Service) authorized(sender dbus.Sender) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner != "" && string(sender) == s.owner
}

// --- org.freedesktop.NetworkManager.SecretAgent methods ---

// GetSecrets implements SecretAgent.GetSecrets(connection, path, setting, hints, flags).
// The reply is sent once the request completes.
func (s *Service) GetSecrets(
	sender dbus.Sender,
	raw map[string]map[string]dbus.Variant,
	path dbus.ObjectPath,
	setting string,
	hints []string,
	flags uint32,
) (map[string]map[string]dbus.Variant, *dbus.Error) {
	if !s.authorized(sender) {
		return nil, dbusError(ErrNamePermissionDenied, "caller is not the network daemon")
	}
	conn := connection.New(string(path), settingsFromDBus(raw))

	type result struct {
		secrets request.Secrets
		err     error
	}
	done := make(chan result, 1)
	posted := s.loop.Post(func() {
		s.agent.GetSecrets(conn, setting, hints, request.Flags(flags), func(secrets request.Secrets, err error) {
			done <- result{secrets, err}
		})
	})
	if !posted {
		return nil, toDBusError(request.ErrShuttingDown)
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, toDBusError(r.err)
		}
		return secretsToDBus(r.secrets), nil
	case <-s.loop.Done():
		return nil, toDBusError(request.ErrShuttingDown)
	}
}

// CancelGetSecrets implements SecretAgent.CancelGetSecrets(path, setting).
func (s *Service) CancelGetSecrets(sender dbus.Sender, path dbus.ObjectPath, setting string) *dbus.Error {
	if !s.authorized(sender) {
		return dbusError(ErrNamePermissionDenied, "caller is not the network daemon")
	}
	id := request.ID{ConnectionPath: string(path), SettingName: setting}
	s.loop.Call(func() { s.agent.CancelSecrets(id) })
	return nil
}

// SaveSecrets implements SecretAgent.SaveSecrets(connection, path). The
// agent stores nothing, so this only acknowledges the call.
func (s *Service) SaveSecrets(sender dbus.Sender, raw map[string]map[string]dbus.Variant, path dbus.ObjectPath) *dbus.Error {
	if !s.authorized(sender) {
		return dbusError(ErrNamePermissionDenied, "caller is not the network daemon")
	}
	s.logger.Debug("save secrets ignored", "connection", path)
	return nil
}

// DeleteSecrets implements SecretAgent.DeleteSecrets(connection, path).
func (s *Service) DeleteSecrets(sender dbus.Sender, raw map[string]map[string]dbus.Variant, path dbus.ObjectPath) *dbus.Error {
	if !s.authorized(sender) {
		return dbusError(ErrNamePermissionDenied, "caller is not the network daemon")
	}
	s.logger.Debug("delete secrets ignored", "connection", path)
	return nil
}

// DaemonClient implements Daemon over the bus.
type DaemonClient struct {
	conn *dbus.Conn
}

// NewDaemonClient returns a client for the network daemon on conn.
func NewDaemonClient(conn *dbus.Conn) *DaemonClient {
	return &DaemonClient{conn: conn}
}

// ExistingSecrets asks the daemon's settings object for the secrets it
// holds for one setting of a connection.
func (d *DaemonClient) ExistingSecrets(ctx context.Context, connPath, setting string) (connection.Settings, error) {
	var out map[string]map[string]dbus.Variant
	err := d.conn.Object(DaemonBusName, dbus.ObjectPath(connPath)).
		CallWithContext(ctx, SettingsConnectionIface+".GetSecrets", 0, setting).
		Store(&out)
	if err != nil {
		return nil, err
	}
	return settingsFromDBus(out), nil
}
