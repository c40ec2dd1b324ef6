package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EchoPBX/echohost/internal/config"
	"github.com/EchoPBX/echohost/internal/fanout"
	"github.com/EchoPBX/echohost/internal/logging"
	"github.com/EchoPBX/echohost/internal/metrics"
	"github.com/EchoPBX/echohost/internal/scheduler"
	"github.com/EchoPBX/echohost/pkg/sdk"
	"go.uber.org/zap"
)

// PluginManifest describe el archivo plugins.json
type PluginManifest struct {
	Plugins []PluginEntry `json:"plugins"`
}

type PluginEntry struct {
	Path     string         `json:"path"`
	Disabled bool           `json:"disabled,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// ReadManifest decodes a manifest. Relative paths are resolved against the
// manifest's directory.
func ReadManifest(path string) (*PluginManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest PluginManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i, e := range manifest.Plugins {
		if e.Path != "" && !filepath.IsAbs(e.Path) {
			manifest.Plugins[i].Path = filepath.Join(dir, e.Path)
		}
	}
	return &manifest, nil
}

type origin int

const (
	originAPI origin = iota
	originManifest
)

type loaded struct {
	plugin   sdk.Plugin
	info     sdk.Info
	host     *pluginContext
	origin   origin
	stopping bool
}

// Manager controla los plugins cargados
type Manager struct {
	log   *zap.Logger
	m     *metrics.Metrics
	bus   sdk.Bus
	store sdk.Store
	sched *scheduler.Scheduler

	setupTimeout time.Duration
	stopTimeout  time.Duration

	mu        sync.RWMutex
	loaders   map[string]loaderEntry
	plugins   map[string]*loaded
	locations map[string]string
	pending   map[string]struct{}
}

func NewManager(cfg *config.Config, log *zap.Logger, bus sdk.Bus, store sdk.Store, sched *scheduler.Scheduler, m *metrics.Metrics) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:          log,
		m:            m,
		bus:          bus,
		store:        store,
		sched:        sched,
		setupTimeout: cfg.Plugins.SetupTimeout,
		stopTimeout:  cfg.Plugins.StopTimeout,
		loaders: map[string]loaderEntry{
			".so":  {runtime: "go", loader: newGoLoader()},
			".lua": {runtime: "lua", loader: luaLoader{}},
		},
		plugins:   make(map[string]*loaded),
		locations: make(map[string]string),
		pending:   make(map[string]struct{}),
	}
}

// RegisterLoader makes locations ending in ext loadable by l.
func (m *Manager) RegisterLoader(ext, runtime string, l Loader) {
	m.mu.Lock()
	m.loaders[strings.ToLower(ext)] = loaderEntry{runtime: runtime, loader: l}
	m.mu.Unlock()
}

// Extensions lists the file extensions a loader is registered for.
func (m *Manager) Extensions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exts := make([]string, 0, len(m.loaders))
	for ext := range m.loaders {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Load opens the plugin at location, runs its Setup and registers it under
// its name.
func (m *Manager) Load(ctx context.Context, location string) (string, error) {
	return m.LoadWithConfig(ctx, location, nil)
}

// LoadWithConfig is Load with a config map handed to the plugin's host.
func (m *Manager) LoadWithConfig(ctx context.Context, location string, cfg map[string]any) (string, error) {
	name, err := m.load(ctx, location, cfg, originAPI)
	m.m.PluginOp("load", err)
	return name, err
}

func (m *Manager) load(ctx context.Context, location string, cfg map[string]any, from origin) (string, error) {
	if abs, err := filepath.Abs(location); err == nil {
		location = abs
	}
	if _, err := os.Stat(location); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrLoad, location, err)
	}

	m.mu.RLock()
	entry, ok := m.loaders[strings.ToLower(filepath.Ext(location))]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s: no loader for %q", ErrLoad, location, filepath.Ext(location))
	}

	p, err := entry.loader.Open(ctx, location)
	if err != nil {
		return "", err
	}
	name := p.Name()
	if name == "" {
		closePlugin(p)
		return "", fmt.Errorf("%w: %s: empty plugin name", ErrValidation, location)
	}

	m.mu.Lock()
	_, exists := m.plugins[name]
	_, busy := m.pending[name]
	if exists || busy {
		m.mu.Unlock()
		closePlugin(p)
		return "", fmt.Errorf("%w: %s", ErrConflict, name)
	}
	m.pending[name] = struct{}{}
	m.mu.Unlock()

	host := newPluginContext(name, logging.ForPlugin(m.log, name), m.bus, m.store, m.sched, cfg)
	finished, err := invoke(ctx, m.setupTimeout, func(ctx context.Context) error {
		return p.Setup(ctx, host)
	})
	if err != nil {
		m.mu.Lock()
		delete(m.pending, name)
		m.mu.Unlock()
		host.release()
		if !finished {
			go closePlugin(p)
			return "", fmt.Errorf("%s setup: %w", name, err)
		}
		closePlugin(p)
		return "", fmt.Errorf("%w: %s setup: %w", ErrLoad, name, err)
	}

	info := sdk.Info{Name: name, Version: p.Version(), Location: location, Runtime: entry.runtime}
	m.mu.Lock()
	delete(m.pending, name)
	m.plugins[name] = &loaded{plugin: p, info: info, host: host, origin: from}
	m.locations[location] = name
	n := len(m.plugins)
	m.mu.Unlock()
	m.m.SetPluginsLoaded(n)

	m.bus.Emit(ctx, sdk.NewEvent(sdk.EventPluginLoaded, map[string]any{
		"name":     info.Name,
		"version":  info.Version,
		"location": info.Location,
		"runtime":  info.Runtime,
	}, "plugins"))

	m.log.Info("plugin loaded",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
		zap.String("runtime", info.Runtime))

	return name, nil
}

// Unload stops the named plugin and removes it. Whatever subscriptions and
// scheduler owners the plugin still holds after Stop are released. A failing
// Stop is returned but the plugin is removed regardless.
func (m *Manager) Unload(ctx context.Context, name string) error {
	err := m.unload(ctx, name)
	m.m.PluginOp("unload", err)
	return err
}

func (m *Manager) unload(ctx context.Context, name string) error {
	m.mu.Lock()
	l, ok := m.plugins[name]
	if !ok || l.stopping {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	l.stopping = true
	m.mu.Unlock()

	finished, stopErr := invoke(ctx, m.stopTimeout, l.plugin.Stop)

	if r := l.host.release(); r.subscriptions > 0 || len(r.owners) > 0 {
		m.log.Warn("plugin left registrations behind",
			zap.String("name", name),
			zap.Int("subscriptions", r.subscriptions),
			zap.Strings("owners", r.owners))
	}
	if !finished {
		go closePlugin(l.plugin)
	} else {
		closePlugin(l.plugin)
	}

	m.mu.Lock()
	delete(m.plugins, name)
	delete(m.locations, l.info.Location)
	n := len(m.plugins)
	m.mu.Unlock()
	m.m.SetPluginsLoaded(n)

	m.bus.Emit(ctx, sdk.NewEvent(sdk.EventPluginUnloaded, map[string]any{
		"name":    name,
		"version": l.info.Version,
	}, "plugins"))

	if stopErr != nil {
		m.log.Warn("plugin stop failed", zap.String("name", name), zap.Error(stopErr))
		return fmt.Errorf("%s stop: %w", name, stopErr)
	}
	m.log.Info("plugin unloaded", zap.String("name", name))
	return nil
}

// List returns the loaded plugins sorted by name.
func (m *Manager) List() []sdk.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]sdk.Info, 0, len(m.plugins))
	for _, l := range m.plugins {
		out = append(out, l.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the info of a loaded plugin.
func (m *Manager) Get(name string) (sdk.Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.plugins[name]
	if !ok {
		return sdk.Info{}, false
	}
	return l.info, true
}

// NameAt returns the name of the plugin loaded from location.
func (m *Manager) NameAt(location string) (string, bool) {
	if abs, err := filepath.Abs(location); err == nil {
		location = abs
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.locations[location]
	return name, ok
}

// Replace loads location, first unloading whatever plugin was loaded from it.
func (m *Manager) Replace(ctx context.Context, location string) (string, error) {
	if name, ok := m.NameAt(location); ok {
		if err := m.Unload(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
			m.log.Warn("replace: unload failed", zap.String("name", name), zap.Error(err))
		}
	}
	return m.Load(ctx, location)
}

// LoadManifest carga plugins.json y los inicializa. Failing entries are
// logged and skipped.
func (m *Manager) LoadManifest(ctx context.Context, path string) error {
	manifest, err := ReadManifest(path)
	if err != nil {
		return err
	}
	for _, e := range manifest.Plugins {
		if e.Disabled {
			continue
		}
		m.loadEntry(ctx, e)
	}
	return nil
}

func (m *Manager) loadEntry(ctx context.Context, e PluginEntry) {
	_, err := m.load(ctx, e.Path, e.Config, originManifest)
	m.m.PluginOp("load", err)
	if err != nil {
		m.log.Error("failed to load plugin",
			zap.String("path", e.Path),
			zap.Error(err))
	}
}

// Reload brings the manifest-loaded plugins in line with the manifest at
// path: plugins whose entry was removed or disabled are unloaded, new entries
// are loaded. Plugins loaded through the API are left alone.
func (m *Manager) Reload(ctx context.Context, path string) error {
	manifest, err := ReadManifest(path)
	if err != nil {
		m.log.Warn("plugin reload failed", zap.Error(err))
		return err
	}

	want := make(map[string]PluginEntry, len(manifest.Plugins))
	for _, e := range manifest.Plugins {
		if e.Disabled {
			continue
		}
		if abs, err := filepath.Abs(e.Path); err == nil {
			e.Path = abs
		}
		want[e.Path] = e
	}

	var drop []string
	m.mu.RLock()
	for name, l := range m.plugins {
		if _, ok := want[l.info.Location]; !ok && l.origin == originManifest {
			drop = append(drop, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(drop)

	for _, name := range drop {
		if err := m.Unload(ctx, name); err != nil {
			m.log.Warn("reload: unload failed", zap.String("name", name), zap.Error(err))
		}
	}
	for _, e := range manifest.Plugins {
		if e.Disabled {
			continue
		}
		if _, ok := m.NameAt(e.Path); ok {
			continue
		}
		m.loadEntry(ctx, e)
	}

	m.bus.Emit(ctx, sdk.NewEvent(sdk.EventPluginsReloaded, map[string]any{
		"unloaded": drop,
		"loaded":   len(m.List()),
	}, "plugins"))
	return nil
}

// Shutdown unloads every plugin. Errors are logged.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		if err := m.Unload(ctx, name); err != nil {
			m.log.Warn("plugin stop failed", zap.String("name", name), zap.Error(err))
		}
	}
}

// invoke runs call panic-safe, giving up after timeout when it is positive.
// finished is false when the call was abandoned: the error is ErrTimeout on
// the timeout's own deadline and the parent's ctx.Err() otherwise.
func invoke(ctx context.Context, timeout time.Duration, call fanout.Call) (finished bool, err error) {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- fanout.Safe(ctx, call) }()
	select {
	case err := <-done:
		return true, err
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return false, err
		}
		return false, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}
