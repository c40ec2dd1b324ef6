package plugins

import (
	"context"
	"sync"
	"time"

	"github.com/EchoPBX/echohost/internal/scheduler"
	"github.com/EchoPBX/echohost/pkg/sdk"
	"go.uber.org/zap"
)

// pluginContext es el sdk.Host de un plugin. It forwards to the shared
// services and records what the plugin registered, so that unload can revoke
// whatever the plugin's Stop left behind.
type pluginContext struct {
	name   string
	log    *zap.Logger
	config map[string]any

	bus   sdk.Bus
	store sdk.Store
	sched *scheduler.Scheduler

	mu        sync.Mutex
	closed    bool
	busSubs   map[string]sdk.Subscription
	stateSubs map[string]sdk.Subscription
	owners    map[string]struct{}
}

func newPluginContext(name string, log *zap.Logger, bus sdk.Bus, store sdk.Store, sched *scheduler.Scheduler, cfg map[string]any) *pluginContext {
	if cfg == nil {
		cfg = map[string]any{}
	}
	return &pluginContext{
		name:      name,
		log:       log,
		config:    cfg,
		bus:       bus,
		store:     store,
		sched:     sched,
		busSubs:   make(map[string]sdk.Subscription),
		stateSubs: make(map[string]sdk.Subscription),
		owners:    map[string]struct{}{name: {}},
	}
}

func (c *pluginContext) Log() *zap.Logger         { return c.log }
func (c *pluginContext) Config() map[string]any   { return c.config }
func (c *pluginContext) Bus() sdk.Bus             { return scopedBus{c} }
func (c *pluginContext) State() sdk.Store         { return scopedStore{c} }
func (c *pluginContext) Scheduler() sdk.Scheduler { return scopedScheduler{c} }

type released struct {
	subscriptions int
	owners        []string
}

// release revokes every subscription still held and cancels the tasks of
// every owner the plugin scheduled under. Registrations attempted after
// release are refused, so a Setup or Stop abandoned on timeout cannot leak.
func (c *pluginContext) release() released {
	c.mu.Lock()
	c.closed = true
	busSubs, stateSubs, owners := c.busSubs, c.stateSubs, c.owners
	c.busSubs = make(map[string]sdk.Subscription)
	c.stateSubs = make(map[string]sdk.Subscription)
	c.owners = make(map[string]struct{})
	c.mu.Unlock()

	var r released
	for _, s := range busSubs {
		if c.bus.Unsubscribe(s) {
			r.subscriptions++
		}
	}
	for _, s := range stateSubs {
		if c.store.Unsubscribe(s) {
			r.subscriptions++
		}
	}
	for o := range owners {
		if c.sched.Count(o) > 0 {
			r.owners = append(r.owners, o)
		}
		c.sched.CancelOwner(o)
	}
	return r
}

type scopedBus struct{ c *pluginContext }

// Subscribe returns an invalid subscription once the host is released.
func (b scopedBus) Subscribe(eventType string, h sdk.Handler) sdk.Subscription {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	if b.c.closed {
		b.c.log.Warn("subscribe after release ignored", zap.String("event", eventType))
		return sdk.Subscription{}
	}
	sub := b.c.bus.Subscribe(eventType, h)
	b.c.busSubs[sub.ID] = sub
	return sub
}

func (b scopedBus) Unsubscribe(sub sdk.Subscription) bool {
	b.c.mu.Lock()
	delete(b.c.busSubs, sub.ID)
	b.c.mu.Unlock()
	return b.c.bus.Unsubscribe(sub)
}

// Emit fills in the plugin name when the event has no source.
func (b scopedBus) Emit(ctx context.Context, ev sdk.Event) sdk.Outcomes {
	if ev.Source == "" {
		ev.Source = b.c.name
	}
	return b.c.bus.Emit(ctx, ev)
}

type scopedStore struct{ c *pluginContext }

func (s scopedStore) Get(key string, def any) any { return s.c.store.Get(key, def) }

func (s scopedStore) Put(key string, value any) any { return s.c.store.Put(key, value) }

func (s scopedStore) Set(ctx context.Context, key string, value any, source string) sdk.Outcomes {
	return s.c.store.Set(ctx, key, value, s.source(source))
}

func (s scopedStore) Notify(ctx context.Context, key string, old, value any, source string) sdk.Outcomes {
	return s.c.store.Notify(ctx, key, old, value, s.source(source))
}

func (s scopedStore) source(src string) string {
	if src == "" {
		return s.c.name
	}
	return src
}

func (s scopedStore) Subscribe(key string, h sdk.ChangeHandler) sdk.Subscription {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.closed {
		s.c.log.Warn("watch after release ignored", zap.String("key", key))
		return sdk.Subscription{}
	}
	sub := s.c.store.Subscribe(key, h)
	s.c.stateSubs[sub.ID] = sub
	return sub
}

func (s scopedStore) Unsubscribe(sub sdk.Subscription) bool {
	s.c.mu.Lock()
	delete(s.c.stateSubs, sub.ID)
	s.c.mu.Unlock()
	return s.c.store.Unsubscribe(sub)
}

type scopedScheduler struct{ c *pluginContext }

// schedule records the owner and starts the task under the host lock, or
// hands back a finished handle once the host is released.
func (s scopedScheduler) schedule(owner string, kind sdk.TaskKind, start func(owner string) *scheduler.Task) sdk.TaskHandle {
	if owner == "" {
		owner = s.c.name
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.closed {
		s.c.log.Warn("schedule after release ignored", zap.String("owner", owner), zap.Stringer("kind", kind))
		return scheduler.Finished(owner, kind)
	}
	s.c.owners[owner] = struct{}{}
	return start(owner)
}

func (s scopedScheduler) CallLater(delay time.Duration, job sdk.Job, owner string) sdk.TaskHandle {
	return s.schedule(owner, sdk.KindOnce, func(o string) *scheduler.Task { return s.c.sched.CallLater(delay, job, o) })
}

func (s scopedScheduler) CallEvery(interval time.Duration, job sdk.Job, owner string) sdk.TaskHandle {
	return s.schedule(owner, sdk.KindEvery, func(o string) *scheduler.Task { return s.c.sched.CallEvery(interval, job, o) })
}

func (s scopedScheduler) CancelOwner(owner string) {
	if owner == "" {
		owner = s.c.name
	}
	s.c.sched.CancelOwner(owner)
}

func (s scopedScheduler) CancelAll() { s.c.sched.CancelAll() }
