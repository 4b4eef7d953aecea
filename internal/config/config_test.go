// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akihiro/nm-secret-agent/internal/agent"
	"github.com/akihiro/nm-secret-agent/internal/vpnplugin"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyFileGivesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
vpn_only: true
prompter: none
plugin_dirs: [/opt/vpn]
logging:
  level: debug
`))
	require.NoError(t, err)
	assert.True(t, cfg.VPNOnly)
	assert.Equal(t, PrompterNone, cfg.Prompter)
	assert.Equal(t, []string{"/opt/vpn"}, cfg.PluginDirs)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format, "unset keys keep their default")
	assert.Equal(t, Default().Identifier, cfg.Identifier)
}

func TestLoadRejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":    "color: blue\n",
		"bad prompter":   "prompter: gui\n",
		"bad level":      "logging:\n  level: loud\n",
		"bad format":     "logging:\n  format: xml\n",
		"empty id":       "identifier: \"\"\n",
		"malformed yaml": "vpn_only: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestDefaultsFollowComponents(t *testing.T) {
	cfg := Default()
	assert.Equal(t, agent.DefaultIdentifier, cfg.Identifier)
	assert.Equal(t, vpnplugin.DefaultDirs, cfg.PluginDirs)

	// Editing the loaded list must not change the package default.
	cfg.PluginDirs[0] = "/elsewhere"
	assert.NotEqual(t, "/elsewhere", vpnplugin.DefaultDirs[0])
}

func TestDefaultPathHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, "/tmp/xdg/nm-secret-agent/config.yaml", DefaultPath())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := Logging{Level: "warn", Format: "json"}.NewLogger(&buf, false)
	logger.Info("hidden")
	logger.Warn("shown", "pid", 42)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.EqualValues(t, 42, rec["pid"])

	buf.Reset()
	Logging{Level: "error", Format: "text"}.NewLogger(&buf, true).Debug("verbose")
	assert.Contains(t, buf.String(), "msg=verbose")
}
