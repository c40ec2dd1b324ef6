// Package hub wires the core services together in dependency order.
package hub

import (
	"context"
	"errors"
	"os"

	"github.com/EchoPBX/echohost/internal/config"
	"github.com/EchoPBX/echohost/internal/discovery"
	"github.com/EchoPBX/echohost/internal/events"
	"github.com/EchoPBX/echohost/internal/metrics"
	"github.com/EchoPBX/echohost/internal/plugins"
	"github.com/EchoPBX/echohost/internal/scheduler"
	"github.com/EchoPBX/echohost/internal/state"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Hub struct {
	Cfg       *config.Config
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Bus       *events.Bus
	State     *state.Store
	Scheduler *scheduler.Scheduler
	Plugins   *plugins.Manager
}

// New builds Bus, then Store, Scheduler and Manager.
func New(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *Hub {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	bus := events.NewBus(log.Named("bus"), m)
	store := state.New(bus, log.Named("state"), m)
	sched := scheduler.New(log.Named("scheduler"), m)
	return &Hub{
		Cfg:       cfg,
		Log:       log,
		Metrics:   m,
		Bus:       bus,
		State:     store,
		Scheduler: sched,
		Plugins:   plugins.NewManager(cfg, log.Named("plugins"), bus, store, sched, m),
	}
}

// LoadPlugins loads the configured manifest, then every plugin file in the
// plugin directory that the manifest did not already load. Individual
// failures are logged; only an unreadable manifest or directory is returned.
func (h *Hub) LoadPlugins(ctx context.Context) error {
	var errs []error
	if path := h.Cfg.Plugins.Manifest; path != "" {
		if err := h.Plugins.LoadManifest(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	if dir := h.Cfg.Plugins.Dir; dir != "" {
		files, err := discovery.Scan(dir, h.Plugins.Extensions())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		for _, f := range files {
			if _, ok := h.Plugins.NameAt(f); ok {
				continue
			}
			if _, err := h.Plugins.Load(ctx, f); err != nil {
				h.Log.Error("failed to load plugin", zap.String("path", f), zap.Error(err))
			}
		}
	}
	return multierr.Combine(errs...)
}

// Watch follows the plugin directory until ctx is done. It returns at once
// when watching is disabled.
func (h *Hub) Watch(ctx context.Context) error {
	if !h.Cfg.Plugins.Watch || h.Cfg.Plugins.Dir == "" {
		return nil
	}
	w, err := discovery.NewWatcher(h.Cfg.Plugins.Dir, h.Plugins.Extensions(), h.Plugins, h.Log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Shutdown cancels all scheduled work, then unloads every plugin.
func (h *Hub) Shutdown(ctx context.Context) {
	h.Scheduler.CancelAll()
	h.Plugins.Shutdown(ctx)
	h.Log.Info("hub stopped")
}
