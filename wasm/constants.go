package wasm

// WebAssembly binary preamble. Core modules and components share the magic
// number and differ in the version and layer fields that follow it.
var (
	// Magic is the WebAssembly binary magic number ("\0asm").
	Magic = [4]byte{0x00, 0x61, 0x73, 0x6D}

	// ModulePreamble is version 1, layer 0: a core module.
	ModulePreamble = [4]byte{0x01, 0x00, 0x00, 0x00}

	// ComponentPreamble is version 0x0d, layer 1: a component.
	ComponentPreamble = [4]byte{0x0D, 0x00, 0x01, 0x00}
)

// HeaderSize is the length of the magic number plus version and layer.
const HeaderSize = 8

// Component section IDs.
// Only the sections needed to locate embedded core modules are named here.
const (
	ComponentSectionCustom       byte = 0x00
	ComponentSectionCoreModule   byte = 0x01
	ComponentSectionCoreInstance byte = 0x02
	ComponentSectionCoreType     byte = 0x03
	ComponentSectionComponent    byte = 0x04
	ComponentSectionInstance     byte = 0x05
)
