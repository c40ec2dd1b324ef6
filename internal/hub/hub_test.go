package hub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EchoPBX/echohost/internal/config"
	"github.com/EchoPBX/echohost/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const counter = `
local p = { name = %q, version = "1.0.0" }
function p:setup(host)
  self.host = host
  host.call_every(0.01, function() host.set(%q, host.now()) end)
end
function p:stop()
  self.host.cancel_owner()
end
return p
`

func writePlugin(t *testing.T, dir, file, name string) {
	t.Helper()
	src := []byte(fmt.Sprintf(counter, name, name+".tick"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), src, 0o600))
}

func TestHub_LoadPluginsAndShutdown(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "alpha.lua", "alpha")
	writePlugin(t, dir, "beta.lua", "beta")
	manifest := filepath.Join(t.TempDir(), "plugins.json")
	require.NoError(t, os.WriteFile(manifest,
		[]byte(`{"plugins":[{"path":"`+filepath.Join(dir, "alpha.lua")+`"}]}`), 0o600))

	cfg := config.Default()
	cfg.Plugins.Dir = dir
	cfg.Plugins.Manifest = manifest
	h := New(cfg, nil, nil)

	var changes atomic.Int32
	h.Bus.Subscribe(sdk.EventStateChanged, func(context.Context, sdk.Event) error {
		changes.Add(1)
		return nil
	})

	require.NoError(t, h.LoadPlugins(context.Background()))
	list := h.Plugins.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "beta", list[1].Name)

	assert.Eventually(t, func() bool {
		return h.State.Get("alpha.tick", nil) != nil && h.State.Get("beta.tick", nil) != nil
	}, 2*time.Second, 5*time.Millisecond)

	h.Shutdown(context.Background())
	assert.Empty(t, h.Plugins.List())
	assert.Empty(t, h.Scheduler.Owners())

	time.Sleep(20 * time.Millisecond)
	settled := changes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, changes.Load())
}

func TestHub_LoadPlugins_MissingManifest(t *testing.T) {
	cfg := config.Default()
	cfg.Plugins.Manifest = filepath.Join(t.TempDir(), "nope.json")
	cfg.Plugins.Dir = filepath.Join(t.TempDir(), "nope")
	h := New(cfg, nil, nil)
	assert.ErrorIs(t, h.LoadPlugins(context.Background()), os.ErrNotExist)
}

func TestHub_WatchDisabled(t *testing.T) {
	h := New(nil, nil, nil)
	assert.NoError(t, h.Watch(context.Background()))
}
