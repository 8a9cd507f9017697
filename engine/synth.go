package engine

import (
	"bytes"

	"github.com/tetratelabs/wazero/api"

	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

// External kinds in import and export entries.
const (
	externFunc   byte = 0x00
	externTable  byte = 0x01
	externMemory byte = 0x02
	externGlobal byte = 0x03
)

const refTypeFuncref byte = 0x70

// synthModule builds a core module that imports items from other modules
// and exports them under new names. It stands in for a from-exports core
// instance. Tables and memories are imported with no bounds so any source
// satisfies them.
type synthModule struct {
	types   [][]byte
	imports [][]byte
	exports [][]byte
	count   [4]uint32
}

func encodeName(b *bytes.Buffer, s string) {
	wasm.WriteLEB128u(b, uint32(len(s)))
	b.WriteString(s)
}

func (m *synthModule) add(module, name, as string, kind byte, desc []byte) {
	var imp bytes.Buffer
	encodeName(&imp, module)
	encodeName(&imp, name)
	imp.WriteByte(kind)
	imp.Write(desc)
	m.imports = append(m.imports, imp.Bytes())

	var exp bytes.Buffer
	encodeName(&exp, as)
	exp.WriteByte(kind)
	wasm.WriteLEB128u(&exp, m.count[kind])
	m.exports = append(m.exports, exp.Bytes())
	m.count[kind]++
}

func (m *synthModule) addFunc(module, name, as string, params, results []api.ValueType) {
	var typ bytes.Buffer
	typ.WriteByte(0x60)
	wasm.WriteLEB128u(&typ, uint32(len(params)))
	for _, p := range params {
		typ.WriteByte(byte(p))
	}
	wasm.WriteLEB128u(&typ, uint32(len(results)))
	for _, r := range results {
		typ.WriteByte(byte(r))
	}
	idx := uint32(len(m.types))
	m.types = append(m.types, typ.Bytes())
	m.add(module, name, as, externFunc, wasm.EncodeLEB128u(idx))
}

func (m *synthModule) addTable(module, name, as string) {
	m.add(module, name, as, externTable, []byte{refTypeFuncref, 0x00, 0x00})
}

func (m *synthModule) addMemory(module, name, as string) {
	m.add(module, name, as, externMemory, []byte{0x00, 0x00})
}

func (m *synthModule) addGlobal(module, name, as string, t api.ValueType, mutable bool) {
	mut := byte(0x00)
	if mutable {
		mut = 0x01
	}
	m.add(module, name, as, externGlobal, []byte{byte(t), mut})
}

func (m *synthModule) build() []byte {
	var out bytes.Buffer
	out.Write(wasm.Magic[:])
	out.Write(wasm.ModulePreamble[:])
	writeSection(&out, 0x01, m.types)
	writeSection(&out, 0x02, m.imports)
	writeSection(&out, 0x07, m.exports)
	return out.Bytes()
}

func writeSection(out *bytes.Buffer, id byte, entries [][]byte) {
	if len(entries) == 0 {
		return
	}
	var payload bytes.Buffer
	wasm.WriteLEB128u(&payload, uint32(len(entries)))
	for _, e := range entries {
		payload.Write(e)
	}
	out.WriteByte(id)
	wasm.WriteLEB128u(out, uint32(payload.Len()))
	out.Write(payload.Bytes())
}
