package sdk

import (
	"context"

	"go.uber.org/zap"
)

// Well-known symbols a Go plugin (.so) exports. Exactly one must be present.
const (
	FactorySymbol  = "NewPlugin" // func() sdk.Plugin
	InstanceSymbol = "Plugin"    // var Plugin sdk.Plugin
)

// Plugin es la capacidad mínima que el host gestiona.
type Plugin interface {
	Name() string
	Version() string
	// Setup wires the plugin to the host services. The plugin is registered
	// only if Setup returns nil.
	Setup(ctx context.Context, host Host) error
	// Stop releases whatever Setup acquired.
	Stop(ctx context.Context) error
}

// Host es lo que recibe cada plugin en Setup.
type Host interface {
	Bus() Bus
	State() Store
	Scheduler() Scheduler
	Log() *zap.Logger
	Config() map[string]any
}

// Info describes a loaded plugin.
type Info struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Location string `json:"location,omitempty"`
	Runtime  string `json:"runtime,omitempty"`
}
