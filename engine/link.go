package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/kate-goldenring/containerd-shim-spin/component"
)

// Instance is a linked guest: one wazero module per core instance.
type Instance struct {
	modules []api.Module
	synth   []wazero.CompiledModule
	entry   api.Module
}

// Instantiate links the core instances in order, every module under cfg.
// Named instantiation arguments are resolved to the instances they refer
// to; other imports come from the runtime, which provides WASI. No start
// function runs until Start.
func (c *Compiled) Instantiate(ctx context.Context, r wazero.Runtime, cfg wazero.ModuleConfig) (*Instance, error) {
	inst := &Instance{}
	live := make([]api.Module, len(c.steps))
	cfg = cfg.WithName("").WithStartFunctions()

	for i, s := range c.steps {
		var (
			mod api.Module
			err error
		)
		if s.Module >= 0 {
			mod, err = r.InstantiateModule(resolving(ctx, s.Args, live), c.modules[s.Module], cfg)
		} else {
			mod, err = inst.reexport(ctx, r, s.Exports, live)
		}
		if err != nil {
			inst.Close(ctx)
			return nil, fmt.Errorf("core instance %d: %w", s.Index, err)
		}
		live[i] = mod
		inst.modules = append(inst.modules, mod)
	}

	inst.entry = live[c.main]
	return inst, nil
}

// resolving returns ctx with imports from each argument name bound to the
// instance it names.
func resolving(ctx context.Context, args []component.Arg, live []api.Module) context.Context {
	if len(args) == 0 {
		return ctx
	}
	byName := make(map[string]api.Module, len(args))
	for _, a := range args {
		byName[a.Name] = live[a.Instance]
	}
	return experimental.WithImportResolver(ctx, func(name string) api.Module {
		return byName[name]
	})
}

// reexport instantiates a synthetic module exposing exports of earlier
// instances under the names a from-exports instance gives them.
func (inst *Instance) reexport(ctx context.Context, r wazero.Runtime, exports []component.Reexport, live []api.Module) (api.Module, error) {
	var b synthModule
	sources := make(map[string]api.Module)

	for _, e := range exports {
		src := live[e.From.Instance]
		from := fmt.Sprintf("$%d", e.From.Instance)
		sources[from] = src

		switch e.Kind {
		case component.CoreSortFunc:
			fn := src.ExportedFunction(e.From.Name)
			if fn == nil {
				return nil, fmt.Errorf("instance %d does not export function %q", e.From.Instance, e.From.Name)
			}
			def := fn.Definition()
			b.addFunc(from, e.From.Name, e.Name, def.ParamTypes(), def.ResultTypes())
		case component.CoreSortMemory:
			if src.ExportedMemory(e.From.Name) == nil {
				return nil, fmt.Errorf("instance %d does not export memory %q", e.From.Instance, e.From.Name)
			}
			b.addMemory(from, e.From.Name, e.Name)
		case component.CoreSortTable:
			b.addTable(from, e.From.Name, e.Name)
		case component.CoreSortGlobal:
			g := src.ExportedGlobal(e.From.Name)
			if g == nil {
				return nil, fmt.Errorf("instance %d does not export global %q", e.From.Instance, e.From.Name)
			}
			_, mutable := g.(api.MutableGlobal)
			b.addGlobal(from, e.From.Name, e.Name, g.Type(), mutable)
		}
	}

	compiled, err := r.CompileModule(ctx, b.build())
	if err != nil {
		return nil, fmt.Errorf("compile re-export module: %w", err)
	}
	inst.synth = append(inst.synth, compiled)

	resolve := experimental.WithImportResolver(ctx, func(name string) api.Module {
		return sources[name]
	})
	return r.InstantiateModule(resolve, compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
}

// Start runs the entry module's _start, if it has one.
func (inst *Instance) Start(ctx context.Context) error {
	fn := inst.entry.ExportedFunction(StartFunction)
	if fn == nil {
		return nil
	}
	_, err := fn.Call(ctx)
	return err
}

// Close releases the instances, latest first, and the synthetic modules.
func (inst *Instance) Close(ctx context.Context) error {
	var first error
	for i := len(inst.modules) - 1; i >= 0; i-- {
		if err := inst.modules[i].Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	for _, m := range inst.synth {
		if err := m.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	inst.modules, inst.synth = nil, nil
	return first
}
