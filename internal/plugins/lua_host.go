package plugins

import (
	"context"
	"time"

	"github.com/EchoPBX/echohost/pkg/sdk"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

func noArgs(*lua.LState) []lua.LValue { return nil }

// hostTable exposes the plugin's sdk.Host to Lua. Owners default to the
// plugin name.
func (p *luaPlugin) hostTable(L *lua.LState) *lua.LTable {
	host := p.host
	funcs := map[string]lua.LGFunction{
		"subscribe": func(L *lua.LState) int {
			typ := L.CheckString(1)
			fn := L.CheckFunction(2)
			sub := host.Bus().Subscribe(typ, func(ctx context.Context, ev sdk.Event) error {
				return p.call(fn, func(L *lua.LState) []lua.LValue {
					return []lua.LValue{eventToLua(L, ev)}
				})
			})
			p.remember(sub.ID, subRef{kind: subBus, sub: sub})
			L.Push(lua.LString(sub.ID))
			return 1
		},
		"watch": func(L *lua.LState) int {
			key := L.CheckString(1)
			fn := L.CheckFunction(2)
			sub := host.State().Subscribe(key, func(ctx context.Context, old, new any) error {
				return p.call(fn, func(L *lua.LState) []lua.LValue {
					return []lua.LValue{toLua(L, old), toLua(L, new)}
				})
			})
			p.remember(sub.ID, subRef{kind: subState, sub: sub})
			L.Push(lua.LString(sub.ID))
			return 1
		},
		"unsubscribe": func(L *lua.LState) int {
			ref, ok := p.forget(L.CheckString(1))
			if ok {
				switch ref.kind {
				case subBus:
					ok = host.Bus().Unsubscribe(ref.sub)
				case subState:
					ok = host.State().Unsubscribe(ref.sub)
				}
			}
			L.Push(lua.LBool(ok))
			return 1
		},
		"emit": func(L *lua.LState) int {
			typ := L.CheckString(1)
			var data map[string]any
			if t := L.OptTable(2, nil); t != nil {
				data = mapFromLua(t)
			}
			ev := sdk.NewEvent(typ, data, "")
			if !p.dispatch(func(ctx context.Context) { host.Bus().Emit(ctx, ev) }) {
				p.log.Debug("emit after stop dropped", zap.String("event", typ))
			}
			return 0
		},
		"get": func(L *lua.LState) int {
			key := L.CheckString(1)
			def := fromLua(L.Get(2))
			L.Push(toLua(L, host.State().Get(key, def)))
			return 1
		},
		"set": func(L *lua.LState) int {
			key := L.CheckString(1)
			value := fromLua(L.CheckAny(2))
			store := host.State()
			old := store.Put(key, value)
			if !p.dispatch(func(ctx context.Context) { store.Notify(ctx, key, old, value, "") }) {
				p.log.Debug("change notification after stop dropped", zap.String("key", key))
			}
			return 0
		},
		"call_later": func(L *lua.LState) int {
			delay := seconds(L.CheckNumber(1))
			fn := L.CheckFunction(2)
			owner := L.OptString(3, p.name)
			h := host.Scheduler().CallLater(delay, func(context.Context) error {
				return p.call(fn, noArgs)
			}, owner)
			p.trackTask(h)
			L.Push(lua.LString(h.ID()))
			return 1
		},
		"call_every": func(L *lua.LState) int {
			interval := seconds(L.CheckNumber(1))
			fn := L.CheckFunction(2)
			owner := L.OptString(3, p.name)
			h := host.Scheduler().CallEvery(interval, func(context.Context) error {
				return p.call(fn, noArgs)
			}, owner)
			p.trackTask(h)
			L.Push(lua.LString(h.ID()))
			return 1
		},
		"cancel": func(L *lua.LState) int {
			h, ok := p.task(L.CheckString(1))
			if ok {
				h.Cancel()
			}
			L.Push(lua.LBool(ok))
			return 1
		},
		"cancel_owner": func(L *lua.LState) int {
			host.Scheduler().CancelOwner(L.OptString(1, p.name))
			return 0
		},
		"log": func(L *lua.LState) int {
			msg := L.CheckString(1)
			switch L.OptString(2, "info") {
			case "debug":
				p.log.Debug(msg)
			case "warn":
				p.log.Warn(msg)
			case "error":
				p.log.Error(msg)
			default:
				p.log.Info(msg)
			}
			return 0
		},
		"now": func(L *lua.LState) int {
			L.Push(toLua(L, time.Now()))
			return 1
		},
	}
	t := L.SetFuncs(L.NewTable(), funcs)
	t.RawSetString("name", lua.LString(p.name))
	t.RawSetString("config", toLua(L, host.Config()))
	return t
}

