// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"slices"

	"github.com/akihiro/nm-secret-agent/internal/connection"
	"github.com/akihiro/nm-secret-agent/internal/prompt"
	"github.com/akihiro/nm-secret-agent/internal/request"
)

// handler produces the secrets for one connection type. It returns the
// extension the request waits on, or an error if it cannot start.
type handler func(a *Agent, req *request.Request) (request.Extension, error)

// handlers maps a connection type to its handler.
var handlers = map[string]handler{
	connection.SettingWired:     (*Agent).wiredSecrets,
	connection.SettingPPPoE:     (*Agent).wiredSecrets,
	connection.SettingWireless:  (*Agent).wifiSecrets,
	connection.SettingGSM:       (*Agent).mobileSecrets,
	connection.SettingCDMA:      (*Agent).mobileSecrets,
	connection.SettingBluetooth: (*Agent).bluetoothSecrets,
	connection.SettingVPN:       (*Agent).vpnSecrets,
}

// resolve picks the handler for req and applies the checks that hold for
// every non-VPN type.
func (a *Agent) resolve(req *request.Request) (handler, error) {
	ctype := req.Connection.Type()
	if ctype == connection.SettingVPN {
		return handlers[ctype], nil
	}
	if a.cfg.VPNOnly {
		return nil, fmt.Errorf("%w: only VPN secrets are handled", request.ErrNoSecrets)
	}
	h, ok := handlers[ctype]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", request.ErrUnsupportedConnectionType, ctype)
	}
	if !req.Flags.Has(request.FlagAllowInteraction) {
		return nil, fmt.Errorf("%w: interaction not allowed", request.ErrNoSecrets)
	}
	if a.cfg.Prompter == nil {
		return nil, fmt.Errorf("%w: no prompter available", request.ErrNoSecrets)
	}
	return h, nil
}

func (a *Agent) wiredSecrets(req *request.Request) (request.Extension, error) {
	conn := req.Connection
	if !conn.HasSetting(connection.SettingConnection) {
		return nil, fmt.Errorf("%w: no connection setting", request.ErrInvalidConnection)
	}
	switch ctype := conn.Type(); ctype {
	case connection.SettingWired:
		return a.prompt(req, prompt.Request{
			Title:       "Wired 802.1X authentication",
			Message:     fmt.Sprintf("Secrets are required to access the wired network '%s'.", conn.ID()),
			SettingName: connection.Setting8021x,
			Fields: []prompt.Field{
				{Key: "identity", Label: "Username", Value: conn.String(connection.Setting8021x, "identity")},
				{Key: "password", Label: "Password", Secret: true},
			},
		})
	case connection.SettingPPPoE:
		return a.prompt(req, prompt.Request{
			Title:       "DSL authentication",
			Message:     fmt.Sprintf("A password is required to connect to '%s'.", conn.ID()),
			SettingName: connection.SettingPPPoE,
			Fields: []prompt.Field{
				{Key: "username", Label: "Username", Value: conn.String(connection.SettingPPPoE, "username")},
				{Key: "service", Label: "Service", Value: conn.String(connection.SettingPPPoE, "service")},
				{Key: "password", Label: "Password", Secret: true},
			},
		})
	default:
		return nil, request.Failf("unhandled ethernet connection type '%s'", ctype)
	}
}

func (a *Agent) wifiSecrets(req *request.Request) (request.Extension, error) {
	conn := req.Connection
	fields := wifiFields(conn, req.SettingName, req.Hints)
	if len(fields) == 0 {
		return nil, request.Failf("no secrets to ask for in setting '%s'", req.SettingName)
	}
	ssid := ssidOf(conn)
	return a.prompt(req, prompt.Request{
		Title:       "Wi-Fi network authentication required",
		Message:     fmt.Sprintf("Passwords or encryption keys are required to access the Wi-Fi network '%s'.", ssid),
		SettingName: req.SettingName,
		Fields:      fields,
	})
}

func wifiFields(conn *connection.Connection, setting string, hints []string) []prompt.Field {
	if len(hints) > 0 {
		fields := make([]prompt.Field, 0, len(hints))
		for _, h := range hints {
			fields = append(fields, prompt.Field{Key: h, Label: h, Secret: true})
		}
		return fields
	}
	switch setting {
	case connection.SettingWirelessSecurity:
		switch conn.String(setting, "key-mgmt") {
		case "none":
			key := fmt.Sprintf("wep-key%d", wepKeyIndex(conn))
			return []prompt.Field{{Key: key, Label: "WEP key", Secret: true}}
		case "ieee8021x":
			if conn.String(setting, "auth-alg") == "leap" {
				return []prompt.Field{
					{Key: "leap-password", Label: "LEAP password", Secret: true},
				}
			}
			return nil
		default:
			return []prompt.Field{{Key: "psk", Label: "Password", Secret: true}}
		}
	case connection.Setting8021x:
		return []prompt.Field{
			{Key: "identity", Label: "Username", Value: conn.String(setting, "identity")},
			{Key: "password", Label: "Password", Secret: true},
		}
	}
	return nil
}

func wepKeyIndex(conn *connection.Connection) uint32 {
	s, _ := conn.Setting(connection.SettingWirelessSecurity)
	switch v := s["wep-tx-keyidx"].(type) {
	case uint32:
		if v <= 3 {
			return v
		}
	case int:
		if v >= 0 && v <= 3 {
			return uint32(v)
		}
	}
	return 0
}

func ssidOf(conn *connection.Connection) string {
	s, _ := conn.Setting(connection.SettingWireless)
	switch v := s["ssid"].(type) {
	case []byte:
		return string(v)
	case string:
		return v
	}
	return conn.ID()
}

func (a *Agent) mobileSecrets(req *request.Request) (request.Extension, error) {
	setting := req.SettingName
	if setting == "" {
		setting = req.Connection.Type()
	}
	var fields []prompt.Field
	if setting == connection.SettingGSM && slices.Contains(req.Hints, "pin") {
		fields = append(fields, prompt.Field{Key: "pin", Label: "PIN", Secret: true})
	}
	if len(req.Hints) == 0 || slices.Contains(req.Hints, "password") || len(fields) == 0 {
		fields = append(fields, prompt.Field{Key: "password", Label: "Password", Secret: true})
	}
	return a.prompt(req, prompt.Request{
		Title:       "Mobile broadband network password",
		Message:     fmt.Sprintf("A password is required to connect to '%s'.", req.Connection.ID()),
		SettingName: setting,
		Fields:      fields,
	})
}

func (a *Agent) bluetoothSecrets(req *request.Request) (request.Extension, error) {
	if len(req.Hints) == 0 {
		return nil, request.Failf("missing secrets hints")
	}
	hint := req.Hints[0]
	mobile := req.SettingName == connection.SettingGSM || req.SettingName == connection.SettingCDMA
	if !mobile || hint != "password" {
		return nil, request.Failf("unknown secrets hint '%s'", hint)
	}
	return a.prompt(req, prompt.Request{
		Title:       "Mobile broadband network password",
		Message:     fmt.Sprintf("A password is required to connect to '%s'.", req.Connection.ID()),
		SettingName: req.SettingName,
		Fields:      []prompt.Field{{Key: hint, Label: "Password", Secret: true}},
	})
}

// dialog is the extension of a request waiting on the prompter.
type dialog struct {
	cancel context.CancelFunc
}

// Release closes the prompt if the user has not answered yet.
func (d *dialog) Release() { d.cancel() }

// prompt shows pr and completes req with the answers, all under
// pr.SettingName.
func (a *Agent) prompt(req *request.Request, pr prompt.Request) (request.Extension, error) {
	pr.ConnectionID = req.Connection.ID()
	ctx, cancel := context.WithCancel(a.ctx)
	go func() {
		values, err := a.cfg.Prompter.Prompt(ctx, pr)
		a.loop.Post(func() {
			if !req.Active() {
				return
			}
			if err != nil {
				req.Fail(request.Classify(err))
				return
			}
			secrets := make(map[string]any, len(values))
			for k, v := range values {
				secrets[k] = v
			}
			req.Succeed(request.Secrets{pr.SettingName: secrets})
		})
	}()
	return &dialog{cancel: cancel}, nil
}
