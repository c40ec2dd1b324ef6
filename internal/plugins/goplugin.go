package plugins

import (
	"context"
	"fmt"
	"plugin"

	"github.com/EchoPBX/echohost/pkg/sdk"
)

// symbolTable is the part of *plugin.Plugin the loader needs.
type symbolTable interface {
	Lookup(name string) (plugin.Symbol, error)
}

// goLoader opens shared objects built with -buildmode=plugin. The object
// must export exactly one of sdk.FactorySymbol or sdk.InstanceSymbol.
type goLoader struct {
	open func(path string) (symbolTable, error)
}

func newGoLoader() *goLoader {
	return &goLoader{open: func(path string) (symbolTable, error) {
		return plugin.Open(path)
	}}
}

func (g *goLoader) Open(_ context.Context, location string) (sdk.Plugin, error) {
	st, err := g.open(location)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrLoad, location, err)
	}

	factory, ferr := st.Lookup(sdk.FactorySymbol)
	instance, ierr := st.Lookup(sdk.InstanceSymbol)
	switch {
	case ferr == nil && ierr == nil:
		return nil, fmt.Errorf("%w: %s exports both %s and %s", ErrValidation, location, sdk.FactorySymbol, sdk.InstanceSymbol)
	case ferr == nil:
		fn, ok := factory.(func() sdk.Plugin)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s is %T, want func() sdk.Plugin", ErrValidation, location, sdk.FactorySymbol, factory)
		}
		p := fn()
		if p == nil {
			return nil, fmt.Errorf("%w: %s.%s returned nil", ErrValidation, location, sdk.FactorySymbol)
		}
		return p, nil
	case ierr == nil:
		return pluginFromSymbol(location, instance)
	default:
		return nil, fmt.Errorf("%w: %s exports neither %s nor %s", ErrValidation, location, sdk.FactorySymbol, sdk.InstanceSymbol)
	}
}

// pluginFromSymbol accepts `var Plugin sdk.Plugin = ...` (symbol *sdk.Plugin)
// and `var Plugin T` where *T implements sdk.Plugin.
func pluginFromSymbol(location string, sym plugin.Symbol) (sdk.Plugin, error) {
	switch v := sym.(type) {
	case *sdk.Plugin:
		if v == nil || *v == nil {
			return nil, fmt.Errorf("%w: %s.%s is nil", ErrValidation, location, sdk.InstanceSymbol)
		}
		return *v, nil
	case sdk.Plugin:
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s.%s (%T) does not implement sdk.Plugin", ErrValidation, location, sdk.InstanceSymbol, sym)
}
