// SPDX-License-Identifier: Apache-2.0

//go:build linux

// nm-secret-agent answers NetworkManager's secret requests. VPN secrets are
// obtained from the plugin's auth-dialog helper; other secrets are prompted
// for on the controlling terminal.
//
// Usage:
//
//	nm-secret-agent [flags]
//
// Flags:
//
//	--config              path  Configuration file (default: $XDG_CONFIG_HOME/nm-secret-agent/config.yaml)
//	--vpn-only                  Only answer requests for VPN connections
//	--verbose                   Log at debug level
//	--disable-memprotect        Skip process memory hardening
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"

	"github.com/akihiro/nm-secret-agent/internal/agent"
	"github.com/akihiro/nm-secret-agent/internal/config"
	"github.com/akihiro/nm-secret-agent/internal/loop"
	"github.com/akihiro/nm-secret-agent/internal/memprotect"
	"github.com/akihiro/nm-secret-agent/internal/prompt"
	"github.com/akihiro/nm-secret-agent/internal/vpnplugin"
)

const busTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath(), "configuration file")
	vpnOnly := flag.Bool("vpn-only", false, "only answer requests for VPN connections")
	verbose := flag.Bool("verbose", false, "log at debug level")
	noMemprotect := flag.Bool("disable-memprotect", false, "skip process memory hardening")
	flag.Parse()

	log.SetPrefix("nm-secret-agent: ")
	log.SetFlags(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *vpnOnly {
		cfg.VPNOnly = true
	}
	logger := cfg.Logging.NewLogger(os.Stderr, *verbose)
	slog.SetDefault(logger)

	if cfg.HardenMemory && !*noMemprotect {
		if err := memprotect.HardenProcess(logger); err != nil {
			log.Fatalf("harden process: %v\n"+
				"hint: pass --disable-memprotect when running under a debugger", err)
		}
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.Fatalf("connect to system bus: %v\n"+
			"hint: ensure the system D-Bus daemon is running and DBUS_SYSTEM_BUS_ADDRESS is correct", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("close D-Bus connection", "err", err)
		}
	}()

	var prompter prompt.Prompter
	if cfg.Prompter == config.PrompterConsole {
		prompter = prompt.NewConsole()
	}

	l := loop.New(logger)
	a := agent.New(l, agent.Config{
		Plugins:  vpnplugin.New(cfg.PluginDirs, logger),
		Prompter: prompter,
		Daemon:   agent.NewDaemonClient(conn),
		VPNOnly:  cfg.VPNOnly,
		Logger:   logger,
	})
	svc := agent.NewService(conn, a, l, cfg.Identifier, logger)
	if err := svc.Export(); err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The daemon may not be up yet; Watch registers once it appears.
	regCtx, cancel := context.WithTimeout(ctx, busTimeout)
	if err := svc.Register(regCtx); err != nil {
		logger.Warn("initial registration failed, waiting for the network daemon", "err", err)
	}
	cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closed by the shutdown goroutine below, so pending requests can
		// still be failed on the loop after a signal.
		return l.Run(context.Background())
	})
	g.Go(func() error {
		return svc.Watch(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-conn.Context().Done():
			logger.Error("lost connection to the system bus")
		}
		shutdown(svc, a, l, logger)
		if conn.Context().Err() != nil {
			return errors.New("system bus connection closed")
		}
		return nil
	})

	logger.Info("secret agent is ready", "identifier", cfg.Identifier, "vpn_only", cfg.VPNOnly)
	if err := g.Wait(); err != nil {
		logger.Error("agent stopped", "err", err)
		os.Exit(1)
	}
}

func shutdown(svc *agent.Service, a *agent.Agent, l *loop.Loop, logger *slog.Logger) {
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
	defer cancel()
	if err := svc.Unregister(ctx); err != nil {
		logger.Debug("unregister", "err", err)
	}
	l.Call(a.Shutdown)
	l.Close()
}
