package wasm_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

var emptyModule = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

func TestLEB128Unsigned(t *testing.T) {
	tests := []struct {
		encoded []byte
		value   uint32
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x7f}, 127},
		{[]byte{0x80, 0x01}, 128},
		{[]byte{0xe5, 0x8e, 0x26}, 624485},
		{[]byte{0xff, 0xff, 0xff, 0xff, 0x0f}, 0xFFFFFFFF},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			var buf bytes.Buffer
			wasm.WriteLEB128u(&buf, tt.value)
			if !bytes.Equal(buf.Bytes(), tt.encoded) {
				t.Errorf("encode %d: got %v, want %v", tt.value, buf.Bytes(), tt.encoded)
			}

			got, err := wasm.ReadLEB128u(bytes.NewReader(tt.encoded))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.value {
				t.Errorf("decode: got %d, want %d", got, tt.value)
			}
		})
	}
}

func TestLEB128Overflow(t *testing.T) {
	_, err := wasm.ReadLEB128u(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}))
	if !errors.Is(err, wasm.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestWriteLEB128s(t *testing.T) {
	tests := []struct {
		encoded []byte
		value   int32
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x7f}, -1},
		{[]byte{0xc0, 0x00}, 64},
		{[]byte{0x80, 0x7f}, -128},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		wasm.WriteLEB128s(&buf, tt.value)
		if !bytes.Equal(buf.Bytes(), tt.encoded) {
			t.Errorf("encode %d: got %v, want %v", tt.value, buf.Bytes(), tt.encoded)
		}
	}
}

func TestInspect(t *testing.T) {
	component, err := wasm.Componentize(emptyModule)
	if err != nil {
		t.Fatalf("componentize: %v", err)
	}

	tests := []struct {
		name string
		data []byte
		want wasm.BinaryKind
	}{
		{"empty", nil, wasm.NotWasm},
		{"short", emptyModule[:6], wasm.NotWasm},
		{"module", emptyModule, wasm.Module},
		{"component", component, wasm.Component},
		{"text", []byte("(module)"), wasm.NotWasm},
		{"future core version", []byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00}, wasm.NotWasm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wasm.Inspect(tt.data); got != tt.want {
				t.Errorf("Inspect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComponentizeRoundTrip(t *testing.T) {
	component, err := wasm.Componentize(emptyModule)
	if err != nil {
		t.Fatalf("componentize: %v", err)
	}
	if !wasm.IsComponent(component) {
		t.Fatal("componentized output is not a component")
	}
	if bytes.Equal(component, emptyModule) {
		t.Fatal("componentized output equals input module")
	}

	again, err := wasm.Componentize(component)
	if err != nil {
		t.Fatalf("componentize component: %v", err)
	}
	if !bytes.Equal(again, component) {
		t.Error("componentizing a component should be identity")
	}

	// One core module section holding the input verbatim.
	if component[wasm.HeaderSize] != wasm.ComponentSectionCoreModule {
		t.Errorf("section id = %#x, want core module", component[wasm.HeaderSize])
	}
	if !bytes.HasSuffix(component, emptyModule) || len(component) != wasm.HeaderSize+2+len(emptyModule) {
		t.Errorf("component = %x", component)
	}
}

func TestComponentizeRejectsGarbage(t *testing.T) {
	if _, err := wasm.Componentize([]byte("not wasm at all")); err == nil {
		t.Error("expected error for non-wasm input")
	}
}
