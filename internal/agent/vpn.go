// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"fmt"

	"github.com/akihiro/nm-secret-agent/internal/connection"
	"github.com/akihiro/nm-secret-agent/internal/helper"
	"github.com/akihiro/nm-secret-agent/internal/ipc"
	"github.com/akihiro/nm-secret-agent/internal/request"
)

// vpnSecrets runs the plugin's auth-dialog and completes req when it exits.
// The helper session is the request's extension; releasing the request
// terminates the helper.
func (a *Agent) vpnSecrets(req *request.Request) (request.Extension, error) {
	conn := req.Connection
	serviceType := conn.VPNServiceType()
	if !conn.HasSetting(connection.SettingVPN) || serviceType == "" {
		return nil, request.Failf("connection had no VPN setting")
	}
	if a.cfg.Plugins == nil {
		return nil, request.Failf("could not find the authentication dialog for VPN connection type '%s'", serviceType)
	}
	path, supportsHints, err := a.cfg.Plugins.AuthDialog(serviceType)
	if err != nil {
		a.logger.Debug("vpn plugin lookup failed", "service", serviceType, "err", err)
		return nil, request.Failf("could not find the authentication dialog for VPN connection type '%s'", serviceType)
	}

	params := helper.SpawnParams{
		Path:             path,
		ConnectionID:     conn.ID(),
		ConnectionUUID:   conn.UUID(),
		ServiceType:      serviceType,
		Hints:            req.Hints,
		SupportsHints:    supportsHints,
		AllowInteraction: req.Flags.Has(request.FlagAllowInteraction),
		RequestNew:       req.Flags.Has(request.FlagRequestNew),
	}
	rec := ipc.Record{Data: conn.VPNData(), Secrets: conn.VPNSecrets()}

	sess, err := a.sup.Start(params, rec, func(pairs map[string]string, err error) {
		a.vpnDone(req, pairs, err)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", request.ErrFailed, err)
	}
	a.logger.Info("started vpn auth dialog", "request", req.ID.String(), "service", serviceType, "pid", sess.Pid())
	return sess, nil
}

func (a *Agent) vpnDone(req *request.Request, pairs map[string]string, err error) {
	var werr *helper.WriteError
	if errors.As(err, &werr) {
		req.Fail(fmt.Errorf("%w: %v", request.ErrFailed, err))
		return
	}
	if err != nil {
		a.logger.Info("vpn auth dialog canceled", "request", req.ID.String(), "err", err)
		req.Fail(fmt.Errorf("%w: %v", request.ErrUserCanceled, err))
		return
	}
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	a.logger.Debug("vpn auth dialog returned secrets", "request", req.ID.String(), "keys", keys)
	req.Succeed(request.Secrets{
		connection.SettingVPN: {connection.KeySecrets: pairs},
	})
}
