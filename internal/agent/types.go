// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"github.com/godbus/dbus/v5"

	"github.com/akihiro/nm-secret-agent/internal/connection"
	"github.com/akihiro/nm-secret-agent/internal/request"
)

const (
	DaemonBusName = "org.freedesktop.NetworkManager"

	AgentPath  = dbus.ObjectPath("/org/freedesktop/NetworkManager/SecretAgent")
	AgentIface = "org.freedesktop.NetworkManager.SecretAgent"

	AgentManagerPath  = dbus.ObjectPath("/org/freedesktop/NetworkManager/AgentManager")
	AgentManagerIface = "org.freedesktop.NetworkManager.AgentManager"

	SettingsConnectionIface = "org.freedesktop.NetworkManager.Settings.Connection"

	// DefaultIdentifier is the name the agent registers under.
	DefaultIdentifier = "io.github.akihiro.nm-secret-agent"
)

// CapabilityVPNHints tells the daemon the agent passes secret hints to VPN
// auth-dialogs.
const CapabilityVPNHints uint32 = 0x1

// D-Bus error names.
const (
	ErrNameUserCanceled      = AgentIface + ".UserCanceled"
	ErrNameNoSecrets         = AgentIface + ".NoSecrets"
	ErrNameInvalidConnection = AgentIface + ".InvalidConnection"
	ErrNameFailed            = AgentIface + ".Failed"
	ErrNamePermissionDenied  = AgentIface + ".PermissionDenied"
)

// settingsFromDBus unwraps the variants of an a{sa{sv}} connection.
func settingsFromDBus(raw map[string]map[string]dbus.Variant) connection.Settings {
	out := make(connection.Settings, len(raw))
	for name, s := range raw {
		m := make(map[string]any, len(s))
		for k, v := range s {
			m[k] = v.Value()
		}
		out[name] = m
	}
	return out
}

// secretsToDBus wraps secrets for the GetSecrets reply.
func secretsToDBus(s request.Secrets) map[string]map[string]dbus.Variant {
	out := make(map[string]map[string]dbus.Variant, len(s))
	for name, keys := range s {
		m := make(map[string]dbus.Variant, len(keys))
		for k, v := range keys {
			m[k] = dbus.MakeVariant(v)
		}
		out[name] = m
	}
	return out
}

func dbusError(name, msg string) *dbus.Error {
	return &dbus.Error{Name: name, Body: []any{msg}}
}

// toDBusError maps an error kind onto the secret agent error names.
func toDBusError(err error) *dbus.Error {
	name := ErrNameFailed
	switch request.Kind(err) {
	case request.ErrUserCanceled:
		name = ErrNameUserCanceled
	case request.ErrNoSecrets:
		name = ErrNameNoSecrets
	case request.ErrInvalidConnection:
		name = ErrNameInvalidConnection
	}
	return dbusError(name, err.Error())
}
