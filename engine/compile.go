package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"

	"github.com/kate-goldenring/containerd-shim-spin/component"
	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

// StartFunction is the command entry point run after linking.
const StartFunction = "_start"

// Compiled is a guest's core modules compiled into one runtime, with the
// steps that link them into an instance.
type Compiled struct {
	modules []wazero.CompiledModule
	steps   []component.Step
	main    int
}

// Compile compiles the core modules behind data, which may be an artifact
// from PrecompileComponent, a component or a core module, and plans how
// they link.
func (e *WazeroEngine) Compile(ctx context.Context, r wazero.Runtime, data []byte) (*Compiled, error) {
	if isArtifact(data) {
		payload, err := e.Payload(data)
		if err != nil {
			return nil, err
		}
		data = payload
	}

	var (
		sources [][]byte
		steps   []component.Step
	)
	switch wasm.Inspect(data) {
	case wasm.Module:
		sources = [][]byte{data}
		steps = []component.Step{{Index: 0, Module: 0}}
	case wasm.Component:
		comp, err := component.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode component: %w", err)
		}
		if steps, err = comp.Plan(); err != nil {
			return nil, fmt.Errorf("link component: %w", err)
		}
		sources = comp.CoreModules
	default:
		return nil, fmt.Errorf("compile failed: input is not a wasm binary")
	}

	c := &Compiled{steps: steps, main: -1}
	for i, src := range sources {
		m, err := r.CompileModule(ctx, src)
		if err != nil {
			c.Close(ctx)
			return nil, fmt.Errorf("compile failed: core module %d: %w", i, err)
		}
		c.modules = append(c.modules, m)
	}

	// The guest's entry is the last instantiated module exporting _start,
	// else the last instantiated module.
	last := -1
	for i, s := range c.steps {
		if s.Module < 0 {
			continue
		}
		last = i
		if _, ok := c.modules[s.Module].ExportedFunctions()[StartFunction]; ok {
			c.main = i
		}
	}
	if c.main < 0 {
		c.main = last
	}
	if c.main < 0 {
		c.Close(ctx)
		return nil, fmt.Errorf("link component: no core module is instantiated")
	}
	return c, nil
}

// Modules reports how many core modules were compiled.
func (c *Compiled) Modules() int {
	return len(c.modules)
}

// Exports lists the functions exported by the entry module.
func (c *Compiled) Exports() []string {
	defs := c.modules[c.steps[c.main].Module].ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases the compiled modules.
func (c *Compiled) Close(ctx context.Context) error {
	var first error
	for _, m := range c.modules {
		if err := m.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	c.modules = nil
	return first
}
