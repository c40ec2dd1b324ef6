package plugins

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/EchoPBX/echohost/pkg/sdk"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// A Lua plugin is a script whose chunk returns exactly one table:
//
//	local p = { name = "heartbeat", version = "1.0.0" }
//	function p:setup(host) ... end
//	function p:stop() ... end
//	return p
//
// setup receives the host table built by hostTable.

var errLuaClosed = errors.New("lua state closed")

type luaLoader struct{}

func (luaLoader) Open(_ context.Context, location string) (sdk.Plugin, error) {
	L := newLuaState()
	fn, err := L.LoadFile(location)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: parse %s: %v", ErrLoad, location, err)
	}
	base := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: run %s: %v", ErrLoad, location, err)
	}
	nret := L.GetTop() - base
	rets := make([]lua.LValue, nret)
	for i := range nret {
		rets[i] = L.Get(base + i + 1)
	}
	L.Pop(nret)

	p, err := luaPluginFrom(L, location, rets)
	if err != nil {
		L.Close()
		return nil, err
	}
	return p, nil
}

// newLuaState opens only base, table, string and math.
func newLuaState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	// base library loaders that reach the filesystem
	for _, name := range []string{"dofile", "loadfile"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func luaPluginFrom(L *lua.LState, location string, rets []lua.LValue) (*luaPlugin, error) {
	var tables []*lua.LTable
	for _, r := range rets {
		if t, ok := r.(*lua.LTable); ok {
			tables = append(tables, t)
		}
	}
	switch {
	case len(tables) == 0:
		return nil, fmt.Errorf("%w: %s does not return a plugin table", ErrValidation, location)
	case len(rets) > 1:
		return nil, fmt.Errorf("%w: %s returns %d values, want exactly one plugin table", ErrValidation, location, len(rets))
	}
	self := tables[0]

	name, ok := self.RawGetString("name").(lua.LString)
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: %s: plugin table has no name", ErrValidation, location)
	}
	version, _ := self.RawGetString("version").(lua.LString)
	setup, ok := self.RawGetString("setup").(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s: plugin table has no setup function", ErrValidation, location)
	}
	stop, ok := self.RawGetString("stop").(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s: plugin table has no stop function", ErrValidation, location)
	}
	return &luaPlugin{
		location: location,
		name:     string(name),
		version:  string(version),
		L:        L,
		self:     self,
		setup:    setup,
		stop:     stop,
		subs:     make(map[string]subRef),
		tasks:    make(map[string]sdk.TaskHandle),
	}, nil
}

type subKind int

const (
	subBus subKind = iota
	subState
)

type subRef struct {
	kind subKind
	sub  sdk.Subscription
}

// luaPlugin adapts a Lua plugin table to sdk.Plugin.
//
// gopher-lua states are not goroutine-safe, so every entry into L holds mu.
// set writes the store before returning, but its notifications and every
// emit go through a FIFO queue drained by one goroutine: a synchronous
// fan-out could need a handler of this same plugin, whose call would block
// on mu while the caller holds it.
type luaPlugin struct {
	location string
	name     string
	version  string

	mu     sync.Mutex
	L      *lua.LState
	self   *lua.LTable
	setup  *lua.LFunction
	stop   *lua.LFunction
	closed bool

	host   sdk.Host
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	queueMu  sync.Mutex
	queue    []func(ctx context.Context)
	draining bool
	stopping bool
	flight   sync.WaitGroup

	refsMu sync.Mutex
	subs   map[string]subRef
	tasks  map[string]sdk.TaskHandle
}

func (p *luaPlugin) Name() string    { return p.name }
func (p *luaPlugin) Version() string { return p.version }

func (p *luaPlugin) Setup(ctx context.Context, host sdk.Host) error {
	p.host = host
	p.log = host.Log()
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return p.call(p.setup, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{p.self, p.hostTable(L)}
	})
}

// Stop runs the script's stop, closes the dispatch queue, waits for it to
// drain and closes the Lua state.
func (p *luaPlugin) Stop(ctx context.Context) error {
	err := p.call(p.stop, func(*lua.LState) []lua.LValue {
		return []lua.LValue{p.self}
	})
	p.queueMu.Lock()
	p.stopping = true
	p.queueMu.Unlock()
	done := make(chan struct{})
	go func() {
		p.flight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("lua dispatches still running at stop", zap.String("plugin", p.name))
	}
	if cerr := p.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the Lua state. Safe to call more than once.
func (p *luaPlugin) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.L.Close()
	return nil
}

// call invokes fn with the arguments built by args, holding the state lock.
func (p *luaPlugin) call(fn *lua.LFunction, args func(L *lua.LState) []lua.LValue) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errLuaClosed
	}
	L := p.L
	top := L.GetTop()
	defer func() {
		if r := recover(); r != nil {
			err = &sdk.PanicError{Value: r, Stack: string(debug.Stack())}
		}
		L.SetTop(top)
	}()
	argv := args(L)
	L.Push(fn)
	for _, a := range argv {
		L.Push(a)
	}
	if err := L.PCall(len(argv), 0, nil); err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return nil
}

// dispatch queues fn behind earlier dispatches. Once Stop has run the
// script's stop, further calls are dropped and dispatch reports false.
func (p *luaPlugin) dispatch(fn func(ctx context.Context)) bool {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if p.stopping {
		return false
	}
	p.queue = append(p.queue, fn)
	if !p.draining {
		p.draining = true
		p.flight.Add(1)
		go p.drain()
	}
	return true
}

func (p *luaPlugin) drain() {
	defer p.flight.Done()
	for {
		p.queueMu.Lock()
		if len(p.queue) == 0 {
			p.draining = false
			p.queueMu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.queueMu.Unlock()
		fn(p.ctx)
	}
}

func (p *luaPlugin) remember(id string, ref subRef) {
	p.refsMu.Lock()
	p.subs[id] = ref
	p.refsMu.Unlock()
}

func (p *luaPlugin) forget(id string) (subRef, bool) {
	p.refsMu.Lock()
	defer p.refsMu.Unlock()
	ref, ok := p.subs[id]
	delete(p.subs, id)
	return ref, ok
}

func (p *luaPlugin) trackTask(h sdk.TaskHandle) {
	p.refsMu.Lock()
	p.tasks[h.ID()] = h
	p.refsMu.Unlock()
	go func() {
		<-h.Done()
		p.refsMu.Lock()
		delete(p.tasks, h.ID())
		p.refsMu.Unlock()
	}()
}

func (p *luaPlugin) task(id string) (sdk.TaskHandle, bool) {
	p.refsMu.Lock()
	defer p.refsMu.Unlock()
	h, ok := p.tasks[id]
	return h, ok
}

func eventToLua(L *lua.LState, ev sdk.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(ev.Type))
	t.RawSetString("data", toLua(L, ev.Data))
	t.RawSetString("source", lua.LString(ev.Source))
	t.RawSetString("timestamp", toLua(L, ev.Timestamp))
	return t
}

func seconds(n lua.LNumber) time.Duration {
	return time.Duration(float64(n) * float64(time.Second))
}
