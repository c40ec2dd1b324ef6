// Package state holds the shared key/value map plugins read and write.
// Every write notifies the key's subscribers and then publishes a
// state.changed event on the bus.
package state

import (
	"context"
	"sort"
	"sync"

	"github.com/EchoPBX/echohost/internal/events"
	"github.com/EchoPBX/echohost/internal/fanout"
	"github.com/EchoPBX/echohost/internal/metrics"
	"github.com/EchoPBX/echohost/pkg/sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type watcher struct {
	id string
	h  sdk.ChangeHandler
}

// Store is safe for concurrent use. The lock only guards the maps; change
// handlers and the bus emit run after it is released.
type Store struct {
	bus *events.Bus
	log *zap.Logger
	m   *metrics.Metrics

	mu       sync.RWMutex
	values   map[string]any
	watchers map[string][]watcher
	keys     map[string]string // subscription id -> key
}

func New(bus *events.Bus, log *zap.Logger, m *metrics.Metrics) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		bus:      bus,
		log:      log,
		m:        m,
		values:   make(map[string]any),
		watchers: make(map[string][]watcher),
		keys:     make(map[string]string),
	}
}

// Get returns the stored value for key, or def if key was never set.
func (s *Store) Get(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

// Set stores value unconditionally, even when it equals the current one.
// Key handlers are joined first, then state.changed is emitted with the same
// context. The returned outcomes cover both phases.
func (s *Store) Set(ctx context.Context, key string, value any, source string) sdk.Outcomes {
	old := s.Put(key, value)
	return s.Notify(ctx, key, old, value, source)
}

// Put records value and returns the previous one without notifying anyone.
// A later Get sees value as soon as Put returns.
func (s *Store) Put(key string, value any) (old any) {
	s.mu.Lock()
	old = s.values[key]
	s.values[key] = value
	s.mu.Unlock()
	s.m.StateSet()
	return old
}

// Notify runs the change fan-out of a write already recorded with Put.
func (s *Store) Notify(ctx context.Context, key string, old, value any, source string) sdk.Outcomes {
	s.mu.RLock()
	ws := s.watchers[key]
	s.mu.RUnlock()

	var out sdk.Outcomes
	if len(ws) > 0 {
		calls := make([]fanout.Call, len(ws))
		for i, w := range ws {
			h := w.h
			calls[i] = func(ctx context.Context) error { return h(ctx, old, value) }
		}
		local := fanout.Join(ctx, calls)
		failed := 0
		for i := range local {
			if local[i].Err == nil {
				continue
			}
			failed++
			local[i].Err = &sdk.HandlerError{Topic: key, ID: ws[i].id, Err: local[i].Err}
			s.log.Warn("state handler failed",
				zap.String("key", key),
				zap.String("subscription", ws[i].id),
				zap.Error(local[i].Err))
		}
		s.m.HandlerFailed(metrics.ComponentState, failed)
		out = append(out, local...)
	}

	if s.bus != nil {
		busOut := s.bus.Emit(ctx, sdk.NewEvent(sdk.EventStateChanged, map[string]any{
			"key":       key,
			"old_value": old,
			"new_value": value,
		}, source))
		base := len(out)
		for _, oc := range busOut {
			oc.Index += base
			out = append(out, oc)
		}
	}
	return out
}

// Subscribe registers h for changes of key only.
func (s *Store) Subscribe(key string, h sdk.ChangeHandler) sdk.Subscription {
	id := uuid.NewString()
	s.mu.Lock()
	s.watchers[key] = append(s.watchers[key], watcher{id: id, h: h})
	s.keys[id] = key
	s.mu.Unlock()
	return sdk.Subscription{ID: id, Topic: key}
}

func (s *Store) Unsubscribe(sub sdk.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[sub.ID]
	if !ok {
		return false
	}
	delete(s.keys, sub.ID)
	list := s.watchers[key]
	next := make([]watcher, 0, len(list))
	for _, w := range list {
		if w.id != sub.ID {
			next = append(next, w)
		}
	}
	if len(next) == 0 {
		delete(s.watchers, key)
	} else {
		s.watchers[key] = next
	}
	return true
}

// Keys returns the set keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of the whole map.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
