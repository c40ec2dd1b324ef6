package plugins

import (
	"context"
	"errors"
	"plugin"
	"testing"

	"github.com/EchoPBX/echohost/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSymbolNotFound = errors.New("symbol not found")

type fakeSymbols map[string]plugin.Symbol

func (f fakeSymbols) Lookup(name string) (plugin.Symbol, error) {
	if s, ok := f[name]; ok {
		return s, nil
	}
	return nil, errSymbolNotFound
}

func loaderFor(syms fakeSymbols) *goLoader {
	return &goLoader{open: func(string) (symbolTable, error) { return syms, nil }}
}

func TestGoLoader_Factory(t *testing.T) {
	want := &fakePlugin{name: "heartbeat", version: "1.0.0"}
	l := loaderFor(fakeSymbols{sdk.FactorySymbol: func() sdk.Plugin { return want }})
	p, err := l.Open(context.Background(), "heartbeat.so")
	require.NoError(t, err)
	assert.Same(t, want, p)
}

func TestGoLoader_Instance(t *testing.T) {
	var v sdk.Plugin = &fakePlugin{name: "inst"}
	p, err := loaderFor(fakeSymbols{sdk.InstanceSymbol: &v}).Open(context.Background(), "inst.so")
	require.NoError(t, err)
	assert.Equal(t, "inst", p.Name())

	// var Plugin fakePlugin: the symbol is a *fakePlugin
	p, err = loaderFor(fakeSymbols{sdk.InstanceSymbol: &fakePlugin{name: "direct"}}).Open(context.Background(), "direct.so")
	require.NoError(t, err)
	assert.Equal(t, "direct", p.Name())
}

func TestGoLoader_Invalid(t *testing.T) {
	var nilPlugin sdk.Plugin
	for name, syms := range map[string]fakeSymbols{
		"none": {},
		"both": {
			sdk.FactorySymbol:  func() sdk.Plugin { return &fakePlugin{name: "a"} },
			sdk.InstanceSymbol: &fakePlugin{name: "b"},
		},
		"wrong factory type": {sdk.FactorySymbol: func() any { return nil }},
		"nil factory result": {sdk.FactorySymbol: func() sdk.Plugin { return nil }},
		"nil instance":       {sdk.InstanceSymbol: &nilPlugin},
		"not a plugin":       {sdk.InstanceSymbol: new(int)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := loaderFor(syms).Open(context.Background(), "x.so")
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestGoLoader_OpenFailure(t *testing.T) {
	l := &goLoader{open: func(string) (symbolTable, error) {
		return nil, errors.New("plugin was built with a different version of package")
	}}
	_, err := l.Open(context.Background(), "old.so")
	assert.ErrorIs(t, err, ErrLoad)
}
