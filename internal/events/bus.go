package events

import (
	"context"
	"sync"

	"github.com/EchoPBX/echohost/internal/fanout"
	"github.com/EchoPBX/echohost/internal/metrics"
	"github.com/EchoPBX/echohost/pkg/sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type subscriber struct {
	id string
	h  sdk.Handler
}

// Bus entrega cada evento a todos los handlers de su tipo, en paralelo.
type Bus struct {
	log *zap.Logger
	m   *metrics.Metrics

	mu     sync.RWMutex
	subs   map[string][]subscriber
	topics map[string]string // subscription id -> event type
}

func NewBus(log *zap.Logger, m *metrics.Metrics) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:    log,
		m:      m,
		subs:   make(map[string][]subscriber),
		topics: make(map[string]string),
	}
}

// Subscribe appends h to the handlers of eventType. Registering the same
// handler twice makes it fire twice.
func (b *Bus) Subscribe(eventType string, h sdk.Handler) sdk.Subscription {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], subscriber{id: id, h: h})
	b.topics[id] = eventType
	b.mu.Unlock()
	return sdk.Subscription{ID: id, Topic: eventType}
}

// Unsubscribe removes the registration. It reports false for unknown or
// already revoked handles.
func (b *Bus) Unsubscribe(sub sdk.Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	typ, ok := b.topics[sub.ID]
	if !ok {
		return false
	}
	delete(b.topics, sub.ID)
	list := b.subs[typ]
	for i, s := range list {
		if s.id == sub.ID {
			// copy so that snapshots taken by in-flight emits stay intact
			next := make([]subscriber, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, typ)
			} else {
				b.subs[typ] = next
			}
			break
		}
	}
	return true
}

// Emit invokes every handler registered for ev.Type concurrently and returns
// once all of them finished. Failures never abort siblings; they are logged
// and reported in the returned outcomes.
func (b *Bus) Emit(ctx context.Context, ev sdk.Event) sdk.Outcomes {
	b.m.EventEmitted(ev.Type)

	b.mu.RLock()
	handlers := b.subs[ev.Type]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return nil
	}

	calls := make([]fanout.Call, len(handlers))
	for i, s := range handlers {
		h := s.h
		calls[i] = func(ctx context.Context) error { return h(ctx, ev) }
	}
	out := fanout.Join(ctx, calls)

	failed := 0
	for i := range out {
		if out[i].Err == nil {
			continue
		}
		failed++
		out[i].Err = &sdk.HandlerError{Topic: ev.Type, ID: handlers[i].id, Err: out[i].Err}
		b.log.Warn("event handler failed",
			zap.String("type", ev.Type),
			zap.String("source", ev.Source),
			zap.String("subscription", handlers[i].id),
			zap.Error(out[i].Err))
	}
	b.m.HandlerFailed(metrics.ComponentBus, failed)
	return out
}

// Handlers returns how many handlers are registered for eventType.
func (b *Bus) Handlers(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}
