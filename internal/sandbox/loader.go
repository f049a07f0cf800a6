package sandbox

import (
	"context"
	"fmt"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"genesis/traitapi"
)

// curatedStdlibKeys restricts the interpreter to the stdlib packages the
// import whitelist admits. Everything else in stdlib.Symbols stays out, so
// even source that slipped past validation cannot reach os, net, or reflect.
var curatedStdlibKeys = map[string]struct{}{
	"math/math":      {},
	"math/rand/rand": {},
	"sort/sort":      {},
	"context/context": {},
	"errors/errors":  {},
}

// traitapiExports makes genesis/traitapi importable inside the interpreter.
var traitapiExports = interp.Exports{
	"genesis/traitapi/traitapi": map[string]reflect.Value{
		"Entity":    reflect.ValueOf((*traitapi.Entity)(nil)),
		"TraitFunc": reflect.ValueOf((*traitapi.TraitFunc)(nil)),
		"Factory":   reflect.ValueOf((*traitapi.Factory)(nil)),
	},
}

// rawFactory is the concrete type trait.New must have inside the
// interpreter. The closure it returns carries per-instance state.
type rawFactory = func() func(context.Context, *traitapi.Entity) error

// Loader evaluates validated trait source in a fresh yaegi interpreter and
// extracts the factory. One interpreter per load; nothing is shared between
// trait families.
type Loader struct{}

// NewLoader returns a loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load evaluates source and returns the trait factory.
func (l *Loader) Load(source string) (traitapi.Factory, error) {
	i := interp.New(interp.Options{})

	if err := i.Use(curatedSymbols()); err != nil {
		return nil, fmt.Errorf("load stdlib subset: %w", err)
	}
	if err := i.Use(traitapiExports); err != nil {
		return nil, fmt.Errorf("load traitapi symbols: %w", err)
	}

	if _, err := i.Eval(source); err != nil {
		return nil, fmt.Errorf("trait evaluation failed: %w", err)
	}

	v, err := i.Eval("trait.New")
	if err != nil {
		return nil, fmt.Errorf("factory trait.New not found: %w", err)
	}
	factory, ok := v.Interface().(rawFactory)
	if !ok {
		return nil, fmt.Errorf("trait.New has wrong signature (expected func() func(context.Context, *traitapi.Entity) error)")
	}

	return func() traitapi.TraitFunc {
		return traitapi.TraitFunc(factory())
	}, nil
}

func curatedSymbols() interp.Exports {
	out := interp.Exports{}
	for key, symbols := range stdlib.Symbols {
		if _, ok := curatedStdlibKeys[key]; ok {
			out[key] = symbols
		}
	}
	return out
}
