package sdk

import (
	"context"
	"time"
)

// Event es el mensaje mínimo que circula por el bus.
// Once emitted it must be treated as read-only: handlers share the same Data map.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent stamps the event with the current time.
func NewEvent(typ string, data map[string]any, source string) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: typ, Data: data, Source: source, Timestamp: time.Now()}
}

// Handler reacts to a single event. A returned error or a panic is isolated
// to this handler.
type Handler func(ctx context.Context, ev Event) error

// Bus es la interfaz pública del event bus.
type Bus interface {
	Subscribe(eventType string, h Handler) Subscription
	Unsubscribe(sub Subscription) bool
	Emit(ctx context.Context, ev Event) Outcomes
}

// Event types published by the host itself.
const (
	EventStateChanged    = "state.changed"
	EventPluginLoaded    = "plugin.loaded"
	EventPluginUnloaded  = "plugin.unloaded"
	EventPluginsReloaded = "plugins.reloaded"
)
