package plugins

import (
	"context"

	"github.com/EchoPBX/echohost/pkg/sdk"
)

// Loader turns a location into a plugin instance that has not been set up.
// Errors must wrap ErrLoad or ErrValidation.
type Loader interface {
	Open(ctx context.Context, location string) (sdk.Plugin, error)
}

type loaderEntry struct {
	runtime string
	loader  Loader
}

// closer is implemented by plugins that hold resources outside of Stop,
// e.g. an interpreter state.
type closer interface {
	Close() error
}

func closePlugin(p sdk.Plugin) {
	if c, ok := p.(closer); ok {
		_ = c.Close()
	}
}
