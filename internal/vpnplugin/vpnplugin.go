// SPDX-License-Identifier: Apache-2.0

// Package vpnplugin locates the authentication dialog of a VPN plugin from
// the plugin's .name keyfile.
//
// A keyfile looks like:
//
//	[VPN Connection]
//	name=openvpn
//	service=org.freedesktop.NetworkManager.openvpn
//	aliases=org.freedesktop.NetworkManager.openvpn-legacy;
//
//	[GNOME]
//	auth-dialog=/usr/libexec/nm-openvpn-auth-dialog
//	supports-hints=true
package vpnplugin

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/ini.v1"
)

// DefaultDirs are searched when no directories are configured. Earlier
// directories win when two keyfiles claim the same service.
var DefaultDirs = []string{
	"/usr/lib/NetworkManager/VPN",
	"/etc/NetworkManager/VPN",
}

// libexecDirs are tried for an auth-dialog given without a directory.
var libexecDirs = []string{
	"/usr/libexec",
	"/usr/lib/NetworkManager",
}

const servicePrefix = "org.freedesktop.NetworkManager."

// ErrNotFound is returned when no plugin serves a service type.
var ErrNotFound = errors.New("vpn plugin not found")

// ErrNoAuthDialog is returned when a plugin names no usable auth-dialog.
var ErrNoAuthDialog = errors.New("vpn plugin has no auth-dialog")

// Plugin describes an installed VPN plugin.
type Plugin struct {
	Name          string
	Service       string
	Aliases       []string
	AuthDialog    string
	SupportsHints bool
	// File is the keyfile the plugin was read from.
	File string
}

// Serves reports whether p handles serviceType, either by name or alias.
func (p *Plugin) Serves(serviceType string) bool {
	return p.Service == serviceType || slices.Contains(p.Aliases, serviceType)
}

// Registry reads plugin keyfiles from a set of directories. Keyfiles are
// read on every lookup so plugins installed while the agent runs are seen.
type Registry struct {
	dirs   []string
	logger *slog.Logger
}

// New returns a registry over dirs, or DefaultDirs when dirs is empty.
func New(dirs []string, logger *slog.Logger) *Registry {
	if len(dirs) == 0 {
		dirs = DefaultDirs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{dirs: slices.Clone(dirs), logger: logger}
}

// Plugins returns every plugin that could be parsed. Unreadable directories
// and malformed keyfiles are skipped.
func (r *Registry) Plugins() []*Plugin {
	var out []*Plugin
	for _, dir := range r.dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.name"))
		if err != nil {
			continue
		}
		slices.Sort(matches)
		for _, path := range matches {
			p, err := Parse(path)
			if err != nil {
				r.logger.Warn("vpnplugin: skipping keyfile", "file", path, "err", err)
				continue
			}
			out = append(out, p)
		}
	}
	return out
}

// Lookup returns the plugin serving serviceType. A short name such as
// "openvpn" also matches "org.freedesktop.NetworkManager.openvpn".
func (r *Registry) Lookup(serviceType string) (*Plugin, error) {
	candidates := []string{serviceType}
	if !strings.Contains(serviceType, ".") {
		candidates = append(candidates, servicePrefix+serviceType)
	}
	plugins := r.Plugins()
	for _, want := range candidates {
		for _, p := range plugins {
			if p.Serves(want) {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, serviceType)
}

// AuthDialog returns the absolute path of the auth-dialog for serviceType
// and whether it understands hints.
func (r *Registry) AuthDialog(serviceType string) (path string, supportsHints bool, err error) {
	p, err := r.Lookup(serviceType)
	if err != nil {
		return "", false, err
	}
	if p.AuthDialog == "" {
		return "", false, fmt.Errorf("%w: %s", ErrNoAuthDialog, p.File)
	}
	path, err = resolve(p.AuthDialog)
	if err != nil {
		return "", false, fmt.Errorf("%w: %s: %v", ErrNoAuthDialog, p.AuthDialog, err)
	}
	return path, p.SupportsHints, nil
}

// Parse reads one plugin keyfile.
func Parse(path string) (*Plugin, error) {
	// Alias lists are ';'-separated, so ';' must not start a comment.
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	conn, err := cfg.GetSection("VPN Connection")
	if err != nil {
		return nil, fmt.Errorf("%s: missing [VPN Connection] section", path)
	}
	p := &Plugin{
		Name:    conn.Key("name").String(),
		Service: strings.TrimSpace(conn.Key("service").String()),
		File:    path,
	}
	if p.Service == "" {
		return nil, fmt.Errorf("%s: missing service", path)
	}
	for _, a := range strings.Split(conn.Key("aliases").String(), ";") {
		if a = strings.TrimSpace(a); a != "" {
			p.Aliases = append(p.Aliases, a)
		}
	}
	if gnome, err := cfg.GetSection("GNOME"); err == nil {
		p.AuthDialog = strings.TrimSpace(gnome.Key("auth-dialog").String())
		p.SupportsHints = gnome.Key("supports-hints").MustBool(false)
	}
	return p, nil
}

// resolve turns an auth-dialog entry into an executable path.
func resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}
	if !strings.ContainsRune(name, filepath.Separator) {
		for _, dir := range libexecDirs {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return exec.LookPath(name)
}
