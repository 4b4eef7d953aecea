// SPDX-License-Identifier: Apache-2.0

package vpnplugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func TestParse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nm-openvpn-service.name")
	writeFile(t, path, `[VPN Connection]
name=openvpn
service=org.freedesktop.NetworkManager.openvpn
program=/usr/libexec/nm-openvpn-service
aliases=org.example.openvpn;org.example.ovpn;

[GNOME]
auth-dialog=/usr/libexec/nm-openvpn-auth-dialog
supports-hints=true
`, 0o644)

	p, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, "openvpn", p.Name)
	assert.Equal(t, "org.freedesktop.NetworkManager.openvpn", p.Service)
	assert.Equal(t, []string{"org.example.openvpn", "org.example.ovpn"}, p.Aliases)
	assert.Equal(t, "/usr/libexec/nm-openvpn-auth-dialog", p.AuthDialog)
	assert.True(t, p.SupportsHints)
	assert.True(t, p.Serves("org.example.ovpn"))
	assert.False(t, p.Serves("org.example.other"))
}

func TestParseMissingService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.name")
	writeFile(t, path, "[VPN Connection]\nname=bad\n", 0o644)
	_, err := Parse(path)
	assert.ErrorContains(t, err, "missing service")
}

func TestParseMissingSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.name")
	writeFile(t, path, "[GNOME]\nauth-dialog=/bin/true\n", 0o644)
	_, err := Parse(path)
	assert.ErrorContains(t, err, "VPN Connection")
}

func TestLookupAndAuthDialog(t *testing.T) {
	dir := t.TempDir()
	dialog := filepath.Join(dir, "auth-dialog")
	writeFile(t, dialog, "#!/bin/sh\nexit 0\n", 0o755)
	writeFile(t, filepath.Join(dir, "test.name"), `[VPN Connection]
service=org.freedesktop.NetworkManager.test
[GNOME]
auth-dialog=`+dialog+`
`, 0o644)
	writeFile(t, filepath.Join(dir, "nodialog.name"), `[VPN Connection]
service=org.example.nodialog
`, 0o644)
	writeFile(t, filepath.Join(dir, "broken.name"), "not an ini file [", 0o644)

	r := New([]string{dir, filepath.Join(dir, "missing")}, nil)

	p, err := r.Lookup("test")
	require.NoError(t, err)
	assert.Equal(t, "org.freedesktop.NetworkManager.test", p.Service)

	path, hints, err := r.AuthDialog("org.freedesktop.NetworkManager.test")
	require.NoError(t, err)
	assert.Equal(t, dialog, path)
	assert.False(t, hints)

	_, _, err = r.AuthDialog("org.example.nodialog")
	assert.ErrorIs(t, err, ErrNoAuthDialog)

	_, _, err = r.AuthDialog("org.example.unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthDialogMissingExecutable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "x.name"), `[VPN Connection]
service=org.example.x
[GNOME]
auth-dialog=`+filepath.Join(dir, "gone")+`
`, 0o644)

	_, _, err := New([]string{dir}, nil).AuthDialog("org.example.x")
	assert.ErrorIs(t, err, ErrNoAuthDialog)
}

func TestEarlierDirectoryWins(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(first, "a.name"), "[VPN Connection]\nname=first\nservice=org.example.dup\n", 0o644)
	writeFile(t, filepath.Join(second, "a.name"), "[VPN Connection]\nname=second\nservice=org.example.dup\n", 0o644)

	p, err := New([]string{first, second}, nil).Lookup("org.example.dup")
	require.NoError(t, err)
	assert.Equal(t, "first", p.Name)
}
