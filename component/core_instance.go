package component

import (
	"bytes"
	"fmt"

	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

// CoreInstance is one entry of the core instance section.
type CoreInstance struct {
	Args        []CoreInstanceArg
	Exports     []CoreInstanceExport
	ModuleIndex uint32
	Kind        CoreInstanceKind
}

type CoreInstanceKind byte

const (
	CoreInstanceInstantiate CoreInstanceKind = 0x00
	CoreInstanceFromExports CoreInstanceKind = 0x01
)

// CoreInstanceArg satisfies the imports of module Name with an instance.
type CoreInstanceArg struct {
	Name          string
	InstanceIndex uint32
}

// coreInstantiateInstance is the only argument sort the format defines.
const coreInstantiateInstance byte = 0x12

// CoreInstanceExport is an item of a from-exports instance, indexing the
// core index space of its Kind.
type CoreInstanceExport struct {
	Name  string
	Kind  byte
	Index uint32
}

// Core sorts.
const (
	CoreSortFunc   byte = 0x00
	CoreSortTable  byte = 0x01
	CoreSortMemory byte = 0x02
	CoreSortGlobal byte = 0x03
)

func parseCoreInstanceSection(data []byte) ([]CoreInstance, error) {
	r := bytes.NewReader(data)

	count, err := wasm.ReadLEB128u(r)
	if err != nil {
		return nil, fmt.Errorf("read instance count: %w", err)
	}
	if int(count) > len(data) {
		return nil, fmt.Errorf("instance count %d exceeds section size", count)
	}

	instances := make([]CoreInstance, 0, count)
	for i := uint32(0); i < count; i++ {
		inst, err := parseCoreInstance(r)
		if err != nil {
			return nil, fmt.Errorf("parse instance %d: %w", i, err)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func parseCoreInstance(r *bytes.Reader) (CoreInstance, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return CoreInstance{}, fmt.Errorf("read kind: %w", err)
	}
	inst := CoreInstance{Kind: CoreInstanceKind(kind)}

	switch inst.Kind {
	case CoreInstanceInstantiate:
		if inst.ModuleIndex, err = wasm.ReadLEB128u(r); err != nil {
			return inst, fmt.Errorf("read module index: %w", err)
		}
		n, err := wasm.ReadLEB128u(r)
		if err != nil {
			return inst, fmt.Errorf("read arg count: %w", err)
		}
		for i := uint32(0); i < n; i++ {
			name, err := readName(r)
			if err != nil {
				return inst, fmt.Errorf("read arg %d name: %w", i, err)
			}
			sort, err := r.ReadByte()
			if err != nil {
				return inst, fmt.Errorf("read arg %d sort: %w", i, err)
			}
			if sort != coreInstantiateInstance {
				return inst, fmt.Errorf("arg %q: unexpected sort 0x%02x", name, sort)
			}
			idx, err := wasm.ReadLEB128u(r)
			if err != nil {
				return inst, fmt.Errorf("read arg %d instance: %w", i, err)
			}
			inst.Args = append(inst.Args, CoreInstanceArg{Name: name, InstanceIndex: idx})
		}

	case CoreInstanceFromExports:
		n, err := wasm.ReadLEB128u(r)
		if err != nil {
			return inst, fmt.Errorf("read export count: %w", err)
		}
		for i := uint32(0); i < n; i++ {
			name, err := readName(r)
			if err != nil {
				return inst, fmt.Errorf("read export %d name: %w", i, err)
			}
			sort, err := r.ReadByte()
			if err != nil {
				return inst, fmt.Errorf("read export %d sort: %w", i, err)
			}
			idx, err := wasm.ReadLEB128u(r)
			if err != nil {
				return inst, fmt.Errorf("read export %d index: %w", i, err)
			}
			inst.Exports = append(inst.Exports, CoreInstanceExport{Name: name, Kind: sort, Index: idx})
		}

	default:
		return inst, fmt.Errorf("unknown core instance kind: %d", kind)
	}
	return inst, nil
}
