package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exts = []string{".lua", ".so"}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("-- plugin"), 0o600))
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.lua"))
	touch(t, filepath.Join(dir, "a.so"))
	touch(t, filepath.Join(dir, "C.LUA"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, ".hidden.lua"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.lua"), 0o700))

	got, err := Scan(dir, exts)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "C.LUA"),
		filepath.Join(dir, "a.so"),
		filepath.Join(dir, "b.lua"),
	}, got)
}

func TestScan_MissingDir(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "nope"), exts)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type recorder struct {
	mu       sync.Mutex
	loaded   map[string]string
	replaced []string
	unloaded []string
}

func (r *recorder) Replace(_ context.Context, location string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := filepath.Base(location)
	r.loaded[location] = name
	r.replaced = append(r.replaced, location)
	return name, nil
}

func (r *recorder) NameAt(location string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.loaded[location]
	return name, ok
}

func (r *recorder) Unload(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for loc, n := range r.loaded {
		if n == name {
			delete(r.loaded, loc)
		}
	}
	r.unloaded = append(r.unloaded, name)
	return nil
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replaced), len(r.unloaded)
}

func TestWatcher_LoadsAndUnloads(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{loaded: make(map[string]string)}
	w, err := NewWatcher(dir, exts, rec, nil, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	path := filepath.Join(dir, "heartbeat.lua")
	// several writes in a burst collapse into one load
	for range 3 {
		touch(t, path)
	}
	touch(t, filepath.Join(dir, "ignored.txt"))

	assert.Eventually(t, func() bool {
		r, _ := rec.counts()
		return r == 1
	}, 2*time.Second, 5*time.Millisecond)
	name, ok := rec.NameAt(path)
	assert.True(t, ok)
	assert.Equal(t, "heartbeat.lua", name)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool {
		_, u := rec.counts()
		return u == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, ok = rec.NameAt(path)
	assert.False(t, ok)

	r, _ := rec.counts()
	assert.Equal(t, 1, r)
}

func TestNewWatcher_MissingDir(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope"), exts, &recorder{}, nil)
	assert.Error(t, err)
}
