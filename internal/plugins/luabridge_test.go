package plugins

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	lua "github.com/yuin/gopher-lua"
)

func TestLuaBridge_RoundTrip(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	in := map[string]any{
		"name":  "tick",
		"n":     3,
		"ratio": 0.5,
		"ok":    true,
		"tags":  []any{"a", "b"},
		"inner": map[string]any{"depth": int64(2)},
	}
	got := fromLua(toLua(L, in))
	assert.Equal(t, map[string]any{
		"name":  "tick",
		"n":     int64(3),
		"ratio": 0.5,
		"ok":    true,
		"tags":  []any{"a", "b"},
		"inner": map[string]any{"depth": int64(2)},
	}, got)
}

func TestLuaBridge_Scalars(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	assert.Nil(t, fromLua(lua.LNil))
	assert.Equal(t, lua.LNil, toLua(L, nil))
	assert.Equal(t, lua.LNumber(1.5), toLua(L, 1500*time.Millisecond))

	ts := time.Unix(1700000000, 250000000)
	assert.InDelta(t, 1700000000.25, float64(toLua(L, ts).(lua.LNumber)), 1e-6)
}

func TestLuaBridge_Cycle(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	if err := L.DoString(`t = { name = "loop" }; t.self = t`); err != nil {
		t.Fatal(err)
	}
	m := mapFromLua(L.GetGlobal("t"))
	assert.Equal(t, "loop", m["name"])
	assert.Nil(t, m["self"])
}
