package wasm

import (
	"bytes"
	"fmt"
)

// Componentize adapts a core module into the component form by embedding it
// as the component's only core module. Components are returned unchanged.
func Componentize(data []byte) ([]byte, error) {
	switch Inspect(data) {
	case Component:
		return data, nil
	case Module:
	default:
		return nil, fmt.Errorf("componentize: input is neither a module nor a component")
	}

	var buf bytes.Buffer
	buf.Grow(len(data) + HeaderSize + 6)
	buf.Write(Magic[:])
	buf.Write(ComponentPreamble[:])
	buf.WriteByte(ComponentSectionCoreModule)
	WriteLEB128u(&buf, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes(), nil
}
