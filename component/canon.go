package component

import (
	"bytes"
	"fmt"

	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

// Canonical definition kinds.
const (
	canonLift              byte = 0x00
	canonLower             byte = 0x01
	canonResourceNew       byte = 0x02
	canonResourceDrop      byte = 0x03
	canonResourceRep       byte = 0x04
	canonTaskCancel        byte = 0x05
	canonSubtaskCancel     byte = 0x06
	canonResourceDropAsync byte = 0x07
)

// Canonical options.
const (
	canonOptUTF8         byte = 0x00
	canonOptUTF16        byte = 0x01
	canonOptCompactUTF16 byte = 0x02
	canonOptMemory       byte = 0x03
	canonOptRealloc      byte = 0x04
	canonOptPostReturn   byte = 0x05
	canonOptAsync        byte = 0x06
	canonOptCallback     byte = 0x07
	canonOptCoreType     byte = 0x08
	canonOptGC           byte = 0x09
)

// decodeCanons appends the core functions a canon section defines. Lifts
// define component functions and leave the core space untouched.
func (c *Component) decodeCanons(data []byte) error {
	r := bytes.NewReader(data)
	count, err := wasm.ReadLEB128u(r)
	if err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	if int(count) > len(data) {
		return fmt.Errorf("canon count %d exceeds section size", count)
	}

	for i := uint32(0); i < count; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("canon %d: read kind: %w", i, err)
		}

		switch kind {
		case canonLift, canonLower:
			if sub, err := r.ReadByte(); err != nil || sub != 0x00 {
				return fmt.Errorf("canon %d: invalid discriminant", i)
			}
			fn, err := wasm.ReadLEB128u(r)
			if err != nil {
				return fmt.Errorf("canon %d: read function: %w", i, err)
			}
			if err := skipCanonOptions(r); err != nil {
				return fmt.Errorf("canon %d: %w", i, err)
			}
			if kind == canonLift {
				if _, err := wasm.ReadLEB128u(r); err != nil {
					return fmt.Errorf("canon %d: read type: %w", i, err)
				}
				continue
			}
			c.CoreFuncs = append(c.CoreFuncs, CoreFunc{Kind: CoreFuncLower, Func: fn})

		case canonResourceNew, canonResourceDrop, canonResourceRep, canonResourceDropAsync:
			if _, err := wasm.ReadLEB128u(r); err != nil {
				return fmt.Errorf("canon %d: read resource: %w", i, err)
			}
			c.CoreFuncs = append(c.CoreFuncs, CoreFunc{Kind: CoreFuncBuiltin})

		case canonTaskCancel, canonSubtaskCancel:
			c.CoreFuncs = append(c.CoreFuncs, CoreFunc{Kind: CoreFuncBuiltin})

		default:
			return fmt.Errorf("canon %d: unknown kind 0x%02x", i, kind)
		}
	}
	return nil
}

func skipCanonOptions(r *bytes.Reader) error {
	n, err := wasm.ReadLEB128u(r)
	if err != nil {
		return fmt.Errorf("read option count: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("read option %d: %w", i, err)
		}
		switch kind {
		case canonOptUTF8, canonOptUTF16, canonOptCompactUTF16, canonOptAsync, canonOptGC:
		case canonOptMemory, canonOptRealloc, canonOptPostReturn, canonOptCallback, canonOptCoreType:
			if _, err := wasm.ReadLEB128u(r); err != nil {
				return fmt.Errorf("read option %d index: %w", i, err)
			}
		default:
			return fmt.Errorf("unknown canon option 0x%02x", kind)
		}
	}
	return nil
}
