package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EchoPBX/echohost/internal/config"
	"github.com/EchoPBX/echohost/internal/httpserver"
	"github.com/EchoPBX/echohost/internal/hub"
	"github.com/EchoPBX/echohost/internal/logging"
	"github.com/EchoPBX/echohost/internal/metrics"
	"github.com/EchoPBX/echohost/internal/reloader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the host and load the configured plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath(cmd))
		},
	}
}

func run(parent context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logging.New(logging.Cfg{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})
	defer logger.Sync()

	// Banner
	fmt.Println(`
  _____     _           _   _           _
 | ____|___| |__   ___ | | | | ___  ___| |_
 |  _| / __| '_ \ / _ \| |_| |/ _ \/ __| __|
 | |__| (__| | | | (_) |  _  | (_) \__ \ |_
 |_____\___|_| |_|\___/|_| |_|\___/|___/\__|

EchoHost - plugin automation host ` + Version + `
------------------------------------------
Config:  ` + cfgPath + `
`)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(metrics.Config{Enabled: cfg.Metrics.Enabled, Namespace: cfg.Metrics.Namespace})
	h := hub.New(cfg, logger, m)
	if err := h.LoadPlugins(ctx); err != nil {
		logger.Warn("plugin loading incomplete", zap.Error(err))
	}
	logger.Info("plugins loaded", zap.Int("count", len(h.Plugins.List())))

	go func() {
		if err := h.Watch(ctx); err != nil {
			logger.Error("plugin watcher", zap.Error(err))
		}
	}()

	var srv *httpserver.Server
	if cfg.HTTP.Enabled {
		httpserver.Version = Version
		srv, err = httpserver.New(cfg, logger, h)
		if err != nil {
			h.Shutdown(context.Background())
			return err
		}
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logger.Error("http", zap.Error(err))
				stop()
			}
		}()
	}

	// Hot reload con SIGHUP
	reloader.OnSIGHUP(ctx, func() {
		newCfg, err := config.Load(cfgPath)
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		if srv != nil {
			srv.Reload(newCfg)
		}
		if newCfg.Plugins.Manifest != "" {
			_ = h.Plugins.Reload(ctx, newCfg.Plugins.Manifest)
		}
		logger.Info("reloaded config and plugins")
	})

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	h.Shutdown(shutdownCtx)
	logger.Info("bye")
	return nil
}
