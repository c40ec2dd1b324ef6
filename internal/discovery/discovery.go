// Package discovery finds plugin files in a directory and keeps the loaded
// set in step with it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long a file must stay quiet before it is (re)loaded.
const DefaultDebounce = 500 * time.Millisecond

// Scan returns the files directly under dir whose extension is one of exts,
// as absolute paths in lexical order.
func Scan(dir string, exts []string) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !matches(e.Name(), exts) {
			continue
		}
		out = append(out, filepath.Join(abs, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func matches(name string, exts []string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// Target is what the watcher drives, normally *plugins.Manager.
type Target interface {
	Replace(ctx context.Context, location string) (string, error)
	NameAt(location string) (string, bool)
	Unload(ctx context.Context, name string) error
}

// Watcher loads plugin files as they appear or change in a directory and
// unloads them when they go away.
type Watcher struct {
	dir    string
	exts   []string
	target Target
	log    *zap.Logger
	delay  time.Duration

	fw     *fsnotify.Watcher
	mu     sync.Mutex
	timers map[string]*time.Timer
	ready  chan string
	done   chan struct{}
}

type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.delay = d }
}

func NewWatcher(dir string, exts []string, target Target, log *zap.Logger, opts ...Option) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(abs); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}
	w := &Watcher{
		dir:    abs,
		exts:   exts,
		target: target,
		log:    log.Named("discovery"),
		delay:  DefaultDebounce,
		fw:     fw,
		timers: make(map[string]*time.Timer),
		ready:  make(chan string, 16),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Run processes file events until ctx is done. Changes are applied one at a
// time, in the order their debounce expires.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.stopTimers()
	defer w.fw.Close()

	w.log.Info("watching plugin directory", zap.String("dir", w.dir))
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !matches(filepath.Base(ev.Name), w.exts) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.log.Debug("plugin file changed",
				zap.String("file", ev.Name),
				zap.String("op", ev.Op.String()))
			w.schedule(ev.Name)

		case path := <-w.ready:
			w.apply(ctx, path)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}

// apply loads path if it exists and unloads whatever came from it otherwise.
func (w *Watcher) apply(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Warn("stat plugin file", zap.String("file", path), zap.Error(err))
			return
		}
		name, ok := w.target.NameAt(path)
		if !ok {
			return
		}
		if err := w.target.Unload(ctx, name); err != nil {
			w.log.Warn("unload after removal failed", zap.String("name", name), zap.Error(err))
			return
		}
		w.log.Info("plugin removed", zap.String("name", name), zap.String("file", path))
		return
	}

	name, err := w.target.Replace(ctx, path)
	if err != nil {
		w.log.Error("failed to load plugin", zap.String("file", path), zap.Error(err))
		return
	}
	w.log.Info("plugin (re)loaded", zap.String("name", name), zap.String("file", path))
}
