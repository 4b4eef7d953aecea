// SPDX-License-Identifier: Apache-2.0

// Package connection wraps the setting maps the network daemon sends with a
// secrets request. A Connection is never modified in place; methods that
// change secrets return a new value.
package connection

import (
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
)

// Setting names.
const (
	SettingConnection       = "connection"
	SettingWired            = "802-3-ethernet"
	SettingWireless         = "802-11-wireless"
	SettingWirelessSecurity = "802-11-wireless-security"
	Setting8021x            = "802-1x"
	SettingPPPoE            = "pppoe"
	SettingGSM              = "gsm"
	SettingCDMA             = "cdma"
	SettingBluetooth        = "bluetooth"
	SettingVPN              = "vpn"
)

// Keys of the "connection" setting.
const (
	KeyID   = "id"
	KeyUUID = "uuid"
	KeyType = "type"
)

// Keys of the "vpn" setting.
const (
	KeyServiceType = "service-type"
	KeyData        = "data"
	KeySecrets     = "secrets"
)

// Errors returned by Validate.
var (
	ErrNoConnectionSetting = errors.New("connection has no 'connection' setting")
	ErrMissingID           = errors.New("connection has no id")
	ErrBadUUID             = errors.New("connection uuid is missing or malformed")
	ErrMissingType         = errors.New("connection has no type")
)

// secretKeys lists the keys that carry secrets in non-VPN settings.
var secretKeys = map[string]bool{
	"psk":                         true,
	"wep-key0":                    true,
	"wep-key1":                    true,
	"wep-key2":                    true,
	"wep-key3":                    true,
	"leap-password":               true,
	"password":                    true,
	"password-raw":                true,
	"pin":                         true,
	"private-key-password":        true,
	"phase2-private-key-password": true,
	"ca-cert-password":            true,
	"client-cert-password":        true,
}

// Settings maps a setting name to its key/value pairs.
type Settings map[string]map[string]any

// Connection is a connection profile as seen by the agent.
type Connection struct {
	// Path is the daemon's object path for the profile.
	Path     string
	settings Settings
}

// New returns a Connection holding a copy of settings.
func New(path string, settings Settings) *Connection {
	return &Connection{Path: path, settings: cloneSettings(settings)}
}

// Settings returns a copy of all settings.
func (c *Connection) Settings() Settings {
	return cloneSettings(c.settings)
}

// Setting returns a copy of one setting.
func (c *Connection) Setting(name string) (map[string]any, bool) {
	s, ok := c.settings[name]
	if !ok {
		return nil, false
	}
	return maps.Clone(s), true
}

// HasSetting reports whether the named setting is present.
func (c *Connection) HasSetting(name string) bool {
	_, ok := c.settings[name]
	return ok
}

// String returns a string-valued key, or "" if absent or of another type.
func (c *Connection) String(setting, key string) string {
	s, _ := c.settings[setting][key].(string)
	return s
}

// ID returns the human-readable connection name.
func (c *Connection) ID() string { return c.String(SettingConnection, KeyID) }

// UUID returns the connection UUID.
func (c *Connection) UUID() string { return c.String(SettingConnection, KeyUUID) }

// Type returns the connection type, which names its base setting.
func (c *Connection) Type() string { return c.String(SettingConnection, KeyType) }

// VPNServiceType returns the VPN plugin D-Bus service name.
func (c *Connection) VPNServiceType() string { return c.String(SettingVPN, KeyServiceType) }

// VPNData returns the plugin data items.
func (c *Connection) VPNData() map[string]string { return c.stringMap(SettingVPN, KeyData) }

// VPNSecrets returns the VPN secrets already known.
func (c *Connection) VPNSecrets() map[string]string { return c.stringMap(SettingVPN, KeySecrets) }

func (c *Connection) stringMap(setting, key string) map[string]string {
	switch m := c.settings[setting][key].(type) {
	case map[string]string:
		return maps.Clone(m)
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return map[string]string{}
	}
}

// Validate checks that the descriptor names itself: id, a well-formed uuid
// and a type.
func (c *Connection) Validate() error {
	if !c.HasSetting(SettingConnection) {
		return ErrNoConnectionSetting
	}
	if c.ID() == "" {
		return ErrMissingID
	}
	if _, err := uuid.Parse(c.UUID()); err != nil {
		return fmt.Errorf("%w: %q", ErrBadUUID, c.UUID())
	}
	if c.Type() == "" {
		return ErrMissingType
	}
	return nil
}

// WithSecrets returns a copy of c with the given setting's keys overlaid by
// secrets. A nested map under a setting (for example the VPN "secrets"
// dictionary) is merged rather than replaced.
func (c *Connection) WithSecrets(setting string, secrets map[string]any) *Connection {
	out := New(c.Path, c.settings)
	s := out.settings[setting]
	if s == nil {
		s = make(map[string]any, len(secrets))
		out.settings[setting] = s
	}
	for k, v := range secrets {
		if incoming, ok := v.(map[string]string); ok {
			if existing, ok := s[k].(map[string]string); ok {
				merged := maps.Clone(existing)
				maps.Copy(merged, incoming)
				s[k] = merged
				continue
			}
		}
		s[k] = v
	}
	return out
}

// WithoutSecrets returns a copy of c with every known secret removed.
func (c *Connection) WithoutSecrets() *Connection {
	out := New(c.Path, c.settings)
	for name, s := range out.settings {
		if name == SettingVPN {
			delete(s, KeySecrets)
			continue
		}
		for k := range s {
			if secretKeys[k] {
				delete(s, k)
			}
		}
	}
	return out
}

func cloneSettings(in Settings) Settings {
	out := make(Settings, len(in))
	for name, s := range in {
		cp := make(map[string]any, len(s))
		for k, v := range s {
			if m, ok := v.(map[string]string); ok {
				v = maps.Clone(m)
			}
			cp[k] = v
		}
		out[name] = cp
	}
	return out
}
