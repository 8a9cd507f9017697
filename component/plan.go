package component

import "fmt"

// Step creates one core instance. Instantiate steps have Module >= 0 and
// take their named imports from earlier instances; from-exports steps have
// Module == -1 and gather Exports from earlier instances.
type Step struct {
	Args    []Arg
	Exports []Reexport
	Index   int
	Module  int
}

// Arg binds the imports from module Name to an earlier instance.
type Arg struct {
	Name     string
	Instance int
}

// Reexport exposes export From.Name of instance From.Instance as Name.
type Reexport struct {
	Name string
	From CoreAlias
	Kind byte
}

// Plan orders the core instances for instantiation. Instances may only
// refer to instances defined before them, so definition order is a valid
// order. A component without core instances must embed a single module,
// which is instantiated on its own.
func (c *Component) Plan() ([]Step, error) {
	if c.Components > 0 {
		return nil, fmt.Errorf("%d nested components require component linking", c.Components)
	}
	if len(c.CoreInstances) == 0 {
		if len(c.CoreModules) != 1 {
			return nil, fmt.Errorf("component embeds %d core modules but declares no core instances", len(c.CoreModules))
		}
		return []Step{{Index: 0, Module: 0}}, nil
	}

	steps := make([]Step, 0, len(c.CoreInstances))
	for i, inst := range c.CoreInstances {
		step := Step{Index: i, Module: -1}

		switch inst.Kind {
		case CoreInstanceInstantiate:
			if int(inst.ModuleIndex) >= len(c.CoreModules) {
				return nil, fmt.Errorf("core instance %d: module %d out of range (have %d)", i, inst.ModuleIndex, len(c.CoreModules))
			}
			step.Module = int(inst.ModuleIndex)
			for _, arg := range inst.Args {
				if int(arg.InstanceIndex) >= i {
					return nil, fmt.Errorf("core instance %d: argument %q refers to instance %d", i, arg.Name, arg.InstanceIndex)
				}
				step.Args = append(step.Args, Arg{Name: arg.Name, Instance: int(arg.InstanceIndex)})
			}

		case CoreInstanceFromExports:
			for _, exp := range inst.Exports {
				from, err := c.resolve(exp)
				if err != nil {
					return nil, fmt.Errorf("core instance %d: export %q: %w", i, exp.Name, err)
				}
				if int(from.Instance) >= i {
					return nil, fmt.Errorf("core instance %d: export %q refers to instance %d", i, exp.Name, from.Instance)
				}
				step.Exports = append(step.Exports, Reexport{Name: exp.Name, From: from, Kind: exp.Kind})
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// resolve maps a from-exports item to the core instance export behind it.
func (c *Component) resolve(exp CoreInstanceExport) (CoreAlias, error) {
	var space []CoreAlias
	switch exp.Kind {
	case CoreSortFunc:
		if int(exp.Index) >= len(c.CoreFuncs) {
			return CoreAlias{}, fmt.Errorf("core function %d out of range (have %d)", exp.Index, len(c.CoreFuncs))
		}
		f := c.CoreFuncs[exp.Index]
		switch f.Kind {
		case CoreFuncAlias:
			return f.Alias, nil
		case CoreFuncLower:
			return CoreAlias{}, fmt.Errorf("core function %d lowers component function %d, which needs a component host", exp.Index, f.Func)
		default:
			return CoreAlias{}, fmt.Errorf("core function %d is a %s, which needs a component host", exp.Index, f.Kind)
		}
	case CoreSortTable:
		space = c.CoreTables
	case CoreSortMemory:
		space = c.CoreMemories
	case CoreSortGlobal:
		space = c.CoreGlobals
	default:
		return CoreAlias{}, fmt.Errorf("unsupported core sort 0x%02x", exp.Kind)
	}
	if int(exp.Index) >= len(space) {
		return CoreAlias{}, fmt.Errorf("index %d out of range (have %d)", exp.Index, len(space))
	}
	return space[exp.Index], nil
}
