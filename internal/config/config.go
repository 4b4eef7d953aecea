// SPDX-License-Identifier: Apache-2.0

// Package config loads the agent's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/akihiro/nm-secret-agent/internal/agent"
	"github.com/akihiro/nm-secret-agent/internal/vpnplugin"
)

// Prompter names.
const (
	PrompterConsole = "console"
	PrompterNone    = "none"
)

// Config is the agent configuration.
type Config struct {
	// Identifier is the name the agent registers with the network daemon.
	Identifier string `yaml:"identifier"`
	// VPNOnly restricts the agent to VPN connections.
	VPNOnly bool `yaml:"vpn_only"`
	// PluginDirs are searched for VPN plugin .name files.
	PluginDirs []string `yaml:"plugin_dirs"`
	// Prompter is "console" or "none".
	Prompter string `yaml:"prompter"`
	// HardenMemory makes the process non-dumpable and locks its memory.
	HardenMemory bool    `yaml:"harden_memory"`
	Logging      Logging `yaml:"logging"`
}

// Logging configures the structured logger.
type Logging struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Identifier:   agent.DefaultIdentifier,
		PluginDirs:   slices.Clone(vpnplugin.DefaultDirs),
		Prompter:     PrompterConsole,
		HardenMemory: true,
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/nm-secret-agent/config.yaml.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nm-secret-agent", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".nm-secret-agent", "config.yaml")
	}
	return filepath.Join(home, ".config", "nm-secret-agent", "config.yaml")
}

// Load reads the file at path on top of the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open configuration: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse configuration %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Identifier == "" {
		return errors.New("identifier must not be empty")
	}
	if !slices.Contains([]string{PrompterConsole, PrompterNone}, c.Prompter) {
		return fmt.Errorf("unknown prompter %q", c.Prompter)
	}
	if _, err := c.Logging.level(); err != nil {
		return err
	}
	if !slices.Contains([]string{"text", "json"}, c.Logging.Format) {
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

func (l Logging) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", l.Level)
	}
	return lvl, nil
}

// NewLogger builds the logger described by l, writing to w. verbose forces
// the debug level.
func (l Logging) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
