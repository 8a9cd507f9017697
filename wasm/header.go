package wasm

import "bytes"

// BinaryKind is what the preamble of a byte sequence says it is.
type BinaryKind int

const (
	NotWasm BinaryKind = iota
	Module
	Component
)

func (k BinaryKind) String() string {
	switch k {
	case Module:
		return "module"
	case Component:
		return "component"
	default:
		return "not-wasm"
	}
}

// Inspect classifies data by its preamble without decoding any section.
func Inspect(data []byte) BinaryKind {
	if len(data) < HeaderSize || !bytes.Equal(data[:4], Magic[:]) {
		return NotWasm
	}
	// Layer field: 0 for core modules, 1 for components.
	switch {
	case data[6] == 0x00 && data[7] == 0x00 && bytes.Equal(data[4:8], ModulePreamble[:]):
		return Module
	case data[6] == 0x01 && data[7] == 0x00:
		return Component
	default:
		return NotWasm
	}
}

// IsModule reports whether data starts with a core module preamble.
func IsModule(data []byte) bool {
	return Inspect(data) == Module
}

// IsComponent reports whether data starts with a component preamble.
func IsComponent(data []byte) bool {
	return Inspect(data) == Component
}
