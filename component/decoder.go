package component

import (
	"bytes"
	"fmt"
	"io"

	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

// Component holds the embedded core modules of a component and the core
// index spaces that connect them.
type Component struct {
	CoreModules   [][]byte
	CoreInstances []CoreInstance

	// Core index spaces, in definition order.
	CoreFuncs    []CoreFunc
	CoreTables   []CoreAlias
	CoreMemories []CoreAlias
	CoreGlobals  []CoreAlias

	// Components counts nested component definitions.
	Components int
}

// CoreAlias names an export of a core instance.
type CoreAlias struct {
	Name     string
	Instance uint32
}

type CoreFuncKind int

const (
	CoreFuncAlias   CoreFuncKind = iota // export of a core instance
	CoreFuncLower                       // canon lower of a component function
	CoreFuncBuiltin                     // resource and task intrinsics
)

func (k CoreFuncKind) String() string {
	switch k {
	case CoreFuncAlias:
		return "alias"
	case CoreFuncLower:
		return "canon lower"
	default:
		return "canon builtin"
	}
}

// CoreFunc is an entry of the core function index space. Alias is set for
// CoreFuncAlias and Func, the lowered component function, for
// CoreFuncLower.
type CoreFunc struct {
	Alias CoreAlias
	Kind  CoreFuncKind
	Func  uint32
}

// Component section ids.
const (
	sectionCustom       byte = 0x00
	sectionCoreModule   byte = 0x01
	sectionCoreInstance byte = 0x02
	sectionCoreType     byte = 0x03
	sectionComponent    byte = 0x04
	sectionInstance     byte = 0x05
	sectionAlias        byte = 0x06
	sectionType         byte = 0x07
	sectionCanon        byte = 0x08
	sectionStart        byte = 0x09
	sectionImport       byte = 0x0A
	sectionExport       byte = 0x0B
)

// Alias targets.
const (
	aliasInstanceExport     byte = 0x00
	aliasCoreInstanceExport byte = 0x01
	aliasOuter              byte = 0x02
)

// sortCore prefixes a core sort in alias and export sorts.
const sortCore byte = 0x00

// maxNameLength bounds allocations for malformed binaries.
const maxNameLength = 100000

// Decode reads the core linking structure of a component. Sections it does
// not need are skipped without being validated.
func Decode(data []byte) (*Component, error) {
	if !wasm.IsComponent(data) {
		return nil, fmt.Errorf("not a component")
	}

	r := bytes.NewReader(data[wasm.HeaderSize:])
	c := &Component{}
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		size, err := wasm.ReadLEB128u(r)
		if err != nil {
			return nil, fmt.Errorf("section %d size: %w", id, err)
		}
		if int64(size) > int64(r.Len()) {
			return nil, fmt.Errorf("section %d: size %d exceeds remaining %d bytes", id, size, r.Len())
		}
		start := len(data) - r.Len()
		payload := data[start : start+int(size)]
		if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
			return nil, err
		}

		switch id {
		case sectionCoreModule:
			if !wasm.IsModule(payload) {
				return nil, fmt.Errorf("core module %d has an invalid preamble", len(c.CoreModules))
			}
			c.CoreModules = append(c.CoreModules, payload)
		case sectionCoreInstance:
			instances, err := parseCoreInstanceSection(payload)
			if err != nil {
				return nil, fmt.Errorf("core instance section: %w", err)
			}
			c.CoreInstances = append(c.CoreInstances, instances...)
		case sectionComponent:
			c.Components++
		case sectionAlias:
			if err := c.decodeAliases(payload); err != nil {
				return nil, fmt.Errorf("alias section: %w", err)
			}
		case sectionCanon:
			if err := c.decodeCanons(payload); err != nil {
				return nil, fmt.Errorf("canon section: %w", err)
			}
		}
	}

	if len(c.CoreModules) == 0 {
		return nil, fmt.Errorf("no core modules found in component")
	}
	return c, nil
}

// decodeAliases appends core export aliases to their index spaces.
func (c *Component) decodeAliases(data []byte) error {
	r := bytes.NewReader(data)
	count, err := wasm.ReadLEB128u(r)
	if err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	if int(count) > len(data) {
		return fmt.Errorf("alias count %d exceeds section size", count)
	}

	for i := uint32(0); i < count; i++ {
		sort, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("alias %d: read sort: %w", i, err)
		}
		var coreSort byte
		if sort == sortCore {
			if coreSort, err = r.ReadByte(); err != nil {
				return fmt.Errorf("alias %d: read core sort: %w", i, err)
			}
		}
		target, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("alias %d: read target: %w", i, err)
		}

		switch target {
		case aliasInstanceExport, aliasCoreInstanceExport:
			inst, err := wasm.ReadLEB128u(r)
			if err != nil {
				return fmt.Errorf("alias %d: read instance: %w", i, err)
			}
			name, err := readName(r)
			if err != nil {
				return fmt.Errorf("alias %d: %w", i, err)
			}
			if sort != sortCore || target != aliasCoreInstanceExport {
				continue
			}
			a := CoreAlias{Name: name, Instance: inst}
			switch coreSort {
			case CoreSortFunc:
				c.CoreFuncs = append(c.CoreFuncs, CoreFunc{Kind: CoreFuncAlias, Alias: a})
			case CoreSortTable:
				c.CoreTables = append(c.CoreTables, a)
			case CoreSortMemory:
				c.CoreMemories = append(c.CoreMemories, a)
			case CoreSortGlobal:
				c.CoreGlobals = append(c.CoreGlobals, a)
			}
		case aliasOuter:
			if _, err := wasm.ReadLEB128u(r); err != nil {
				return fmt.Errorf("alias %d: read outer count: %w", i, err)
			}
			if _, err := wasm.ReadLEB128u(r); err != nil {
				return fmt.Errorf("alias %d: read outer index: %w", i, err)
			}
		default:
			return fmt.Errorf("alias %d: unknown target kind 0x%02x", i, target)
		}
	}
	return nil
}

func readName(r *bytes.Reader) (string, error) {
	n, err := wasm.ReadLEB128u(r)
	if err != nil {
		return "", err
	}
	if n > maxNameLength || int(n) > r.Len() {
		return "", fmt.Errorf("name length %d out of bounds", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
