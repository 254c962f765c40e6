// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/bureau-foundation/stepkernel/lib/codec"
	"github.com/bureau-foundation/stepkernel/protocol"
)

// ErrNotImplemented is returned by [ModuleBase] for every operation.
var ErrNotImplemented = errors.New("operation not implemented")

// Module is a unit implemented in Go and compiled into the worker
// binary.
type Module interface {
	// Operations lists the operations the module implements. Validate
	// reports exactly this list; dispatch refuses anything else.
	Operations() []string

	MigrateParams(ctx context.Context, args protocol.MigrateParamsArgs) (protocol.MigrateParamsResult, error)
	Render(ctx context.Context, args protocol.RenderArgs) (protocol.RenderResult, error)
	Fetch(ctx context.Context, args protocol.FetchArgs) (protocol.FetchResult, error)
}

// ModuleBase implements every Module operation as ErrNotImplemented.
// Embed it and override what the module supports.
type ModuleBase struct{}

func (ModuleBase) MigrateParams(context.Context, protocol.MigrateParamsArgs) (protocol.MigrateParamsResult, error) {
	return protocol.MigrateParamsResult{}, ErrNotImplemented
}

func (ModuleBase) Render(context.Context, protocol.RenderArgs) (protocol.RenderResult, error) {
	return protocol.RenderResult{}, ErrNotImplemented
}

func (ModuleBase) Fetch(context.Context, protocol.FetchArgs) (protocol.FetchResult, error) {
	return protocol.FetchResult{}, ErrNotImplemented
}

// Program is a loaded unit ready to run one invocation. Run returns the
// value to frame on stdout.
type Program interface {
	Run(ctx context.Context, invocation protocol.Invocation) (any, error)
}

// Loader turns unit code of one kind into a Program. code is already
// decompressed.
type Loader interface {
	Kind() protocol.Kind
	Load(unit protocol.Unit, code []byte) (Program, error)
}

// Preloader is implemented by loaders that can do their expensive work
// before the handshake arrives.
type Preloader interface {
	Preload(names []string) error
}

// Builtins is the loader for [protocol.KindBuiltin] units: a registry
// of module factories keyed by name. A unit's code is the name.
type Builtins struct {
	mu        sync.Mutex
	factories map[string]func() (Module, error)
	loaded    map[string]Module
}

// NewBuiltins returns an empty registry.
func NewBuiltins() *Builtins {
	return &Builtins{
		factories: make(map[string]func() (Module, error)),
		loaded:    make(map[string]Module),
	}
}

// Register adds a module factory. Registering a name twice panics.
func (b *Builtins) Register(name string, factory func() (Module, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.factories[name]; exists {
		panic(fmt.Sprintf("worker: builtin %q registered twice", name))
	}
	b.factories[name] = factory
}

// Names returns the registered module names, sorted.
func (b *Builtins) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.factories))
	for name := range b.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Builtins) Kind() protocol.Kind { return protocol.KindBuiltin }

// Preload constructs the named modules now. Load reuses them.
func (b *Builtins) Preload(names []string) error {
	for _, name := range names {
		if _, err := b.module(name); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builtins) Load(unit protocol.Unit, code []byte) (Program, error) {
	module, err := b.module(string(code))
	if err != nil {
		return nil, err
	}
	return moduleProgram{module: module}, nil
}

func (b *Builtins) module(name string) (Module, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if module, ok := b.loaded[name]; ok {
		return module, nil
	}
	factory, ok := b.factories[name]
	if !ok {
		return nil, fmt.Errorf("no builtin module named %q", name)
	}
	module, err := factory()
	if err != nil {
		return nil, fmt.Errorf("loading builtin %q: %w", name, err)
	}
	b.loaded[name] = module
	return module, nil
}

// moduleProgram dispatches an invocation to a Module method.
type moduleProgram struct {
	module Module
}

func (p moduleProgram) Run(ctx context.Context, invocation protocol.Invocation) (any, error) {
	implemented := p.module.Operations()

	if invocation.Operation == protocol.OperationValidate {
		var operations []string
		for _, operation := range implemented {
			if operation != protocol.OperationValidate && slices.Contains(protocol.Operations, operation) {
				operations = append(operations, operation)
			}
		}
		if len(operations) == 0 {
			return nil, errors.New("unit implements no operations")
		}
		return protocol.ValidateResult{Operations: operations}, nil
	}

	if !slices.Contains(implemented, invocation.Operation) {
		return nil, fmt.Errorf("unit does not implement %s", invocation.Operation)
	}

	switch invocation.Operation {
	case protocol.OperationMigrateParams:
		var args protocol.MigrateParamsArgs
		if err := decodeArgs(invocation.Args, &args); err != nil {
			return nil, err
		}
		return p.module.MigrateParams(ctx, args)
	case protocol.OperationRender:
		var args protocol.RenderArgs
		if err := decodeArgs(invocation.Args, &args); err != nil {
			return nil, err
		}
		return p.module.Render(ctx, args)
	case protocol.OperationFetch:
		var args protocol.FetchArgs
		if err := decodeArgs(invocation.Args, &args); err != nil {
			return nil, err
		}
		return p.module.Fetch(ctx, args)
	default:
		return nil, fmt.Errorf("unknown operation %q", invocation.Operation)
	}
}

func decodeArgs(raw codec.RawMessage, args any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := codec.Unmarshal(raw, args); err != nil {
		return fmt.Errorf("decoding arguments: %w", err)
	}
	return nil
}
