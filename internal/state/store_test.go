package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/EchoPBX/echohost/internal/events"
	"github.com/EchoPBX/echohost/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() (*Store, *events.Bus) {
	bus := events.NewBus(nil, nil)
	return New(bus, nil, nil), bus
}

func TestGet_DefaultBeforeSet(t *testing.T) {
	s, _ := newStore()
	assert.Equal(t, "fallback", s.Get("missing", "fallback"))
	assert.Nil(t, s.Get("missing", nil))

	s.Set(context.Background(), "k", 42, "")
	assert.Equal(t, 42, s.Get("k", "anything"))
}

func TestSet_NotifiesHandlersAndBus(t *testing.T) {
	s, bus := newStore()
	ctx := context.Background()

	type change struct{ old, new any }
	var mu sync.Mutex
	var seen []change
	s.Subscribe("temp", func(_ context.Context, old, new any) error {
		mu.Lock()
		seen = append(seen, change{old, new})
		mu.Unlock()
		return nil
	})
	var published []sdk.Event
	bus.Subscribe(sdk.EventStateChanged, func(_ context.Context, ev sdk.Event) error {
		mu.Lock()
		published = append(published, ev)
		mu.Unlock()
		return nil
	})

	s.Set(ctx, "temp", 20, "sensor")
	s.Set(ctx, "temp", 21, "sensor")

	require.Len(t, seen, 2)
	assert.Equal(t, change{nil, 20}, seen[0])
	assert.Equal(t, change{20, 21}, seen[1])

	require.Len(t, published, 2)
	assert.Equal(t, "sensor", published[1].Source)
	assert.Equal(t, "temp", published[1].Data["key"])
	assert.Equal(t, 20, published[1].Data["old_value"])
	assert.Equal(t, 21, published[1].Data["new_value"])
	assert.Nil(t, published[0].Data["old_value"])
}

func TestSet_EqualValueStillNotifies(t *testing.T) {
	s, bus := newStore()
	var local, global atomic.Int32
	s.Subscribe("mode", func(context.Context, any, any) error { local.Add(1); return nil })
	bus.Subscribe(sdk.EventStateChanged, func(context.Context, sdk.Event) error { global.Add(1); return nil })

	s.Set(context.Background(), "mode", "away", "")
	s.Set(context.Background(), "mode", "away", "")
	assert.Equal(t, int32(2), local.Load())
	assert.Equal(t, int32(2), global.Load())
}

func TestSet_HandlersBeforeBus(t *testing.T) {
	s, bus := newStore()
	var handlerDone atomic.Bool
	var sawHandlerFirst atomic.Bool
	s.Subscribe("k", func(context.Context, any, any) error { handlerDone.Store(true); return nil })
	bus.Subscribe(sdk.EventStateChanged, func(context.Context, sdk.Event) error {
		sawHandlerFirst.Store(handlerDone.Load())
		return nil
	})
	s.Set(context.Background(), "k", 1, "")
	assert.True(t, sawHandlerFirst.Load())
}

func TestSet_FailingHandlerIsolated(t *testing.T) {
	s, bus := newStore()
	var ok, busOK atomic.Int32
	s.Subscribe("k", func(context.Context, any, any) error { return errors.New("nope") })
	s.Subscribe("k", func(context.Context, any, any) error { ok.Add(1); return nil })
	bus.Subscribe(sdk.EventStateChanged, func(context.Context, sdk.Event) error { busOK.Add(1); return nil })

	out := s.Set(context.Background(), "k", "v", "")
	assert.Equal(t, "v", s.Get("k", nil))
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), busOK.Load())
	require.Len(t, out, 3)
	require.Len(t, out.Failed(), 1)
	assert.Equal(t, 0, out.Failed()[0].Index)
}

func TestUnsubscribe(t *testing.T) {
	s, _ := newStore()
	var n atomic.Int32
	sub := s.Subscribe("k", func(context.Context, any, any) error { n.Add(1); return nil })
	assert.Equal(t, "k", sub.Topic)
	assert.True(t, s.Unsubscribe(sub))
	assert.False(t, s.Unsubscribe(sub))
	s.Set(context.Background(), "k", 1, "")
	assert.Equal(t, int32(0), n.Load())
}

func TestKeysAndSnapshot(t *testing.T) {
	s := New(nil, nil, nil)
	ctx := context.Background()
	s.Set(ctx, "b", 2, "")
	s.Set(ctx, "a", 1, "")
	assert.Equal(t, []string{"a", "b"}, s.Keys())

	snap := s.Snapshot()
	snap["a"] = 100
	assert.Equal(t, 1, s.Get("a", nil))
}

func TestSetFromHandlerDoesNotDeadlock(t *testing.T) {
	s, _ := newStore()
	s.Subscribe("a", func(ctx context.Context, _, new any) error {
		s.Set(ctx, "b", new, "chain")
		return nil
	})
	s.Set(context.Background(), "a", "x", "")
	assert.Equal(t, "x", s.Get("b", nil))
}

func TestPut_VisibleBeforeNotify(t *testing.T) {
	s, bus := newStore()
	var calls atomic.Int32
	s.Subscribe("k", func(context.Context, any, any) error {
		calls.Add(1)
		return nil
	})
	var ev sdk.Event
	bus.Subscribe(sdk.EventStateChanged, func(_ context.Context, e sdk.Event) error {
		ev = e
		return nil
	})

	assert.Nil(t, s.Put("k", 1))
	old := s.Put("k", 2)
	assert.Equal(t, 1, old)
	assert.Equal(t, 2, s.Get("k", nil))
	assert.Zero(t, calls.Load())

	out := s.Notify(context.Background(), "k", old, 2, "lua")
	assert.Len(t, out, 2)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, "lua", ev.Source)
	assert.Equal(t, 1, ev.Data["old_value"])
	assert.Equal(t, 2, ev.Data["new_value"])
}
