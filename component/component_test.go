package component

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kate-goldenring/containerd-shim-spin/internal/wasmtest"
	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

var emptyModule = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// build assembles a component from raw sections.
func build(sections ...[]byte) []byte {
	var out bytes.Buffer
	out.Write(wasm.Magic[:])
	out.Write(wasm.ComponentPreamble[:])
	for _, s := range sections {
		out.Write(s)
	}
	return out.Bytes()
}

func section(id byte, payload []byte) []byte {
	return append(append([]byte{id}, wasm.EncodeLEB128u(uint32(len(payload)))...), payload...)
}

func TestDecode_Linked(t *testing.T) {
	adapter := wasmtest.Adapter(wasmtest.Stderr)
	main := wasmtest.WriteSharedMemory(wasmtest.Stdout, "hi", 0)

	c, err := Decode(wasmtest.Linked(adapter, main))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(c.CoreModules) != 2 {
		t.Fatalf("CoreModules = %d, want 2", len(c.CoreModules))
	}
	if !bytes.Equal(c.CoreModules[0], adapter) || !bytes.Equal(c.CoreModules[1], main) {
		t.Error("core modules should be returned in definition order")
	}
	if len(c.CoreInstances) != 3 {
		t.Fatalf("CoreInstances = %d, want 3", len(c.CoreInstances))
	}
	if want := (CoreAlias{Name: "memory", Instance: 0}); len(c.CoreMemories) != 1 || c.CoreMemories[0] != want {
		t.Errorf("CoreMemories = %+v, want [%+v]", c.CoreMemories, want)
	}

	env := c.CoreInstances[1]
	if env.Kind != CoreInstanceFromExports || len(env.Exports) != 1 || env.Exports[0].Kind != CoreSortMemory {
		t.Errorf("instance 1 = %+v, want a from-exports memory", env)
	}
	inst := c.CoreInstances[2]
	if inst.Kind != CoreInstanceInstantiate || inst.ModuleIndex != 1 || len(inst.Args) != 2 {
		t.Errorf("instance 2 = %+v, want module 1 with two arguments", inst)
	}
}

func TestPlan_Linked(t *testing.T) {
	c, err := Decode(wasmtest.Linked(wasmtest.Adapter(wasmtest.Stderr), wasmtest.WriteSharedMemory(wasmtest.Stdout, "hi", 0)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	steps, err := c.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(steps))
	}

	if steps[0].Module != 0 || len(steps[0].Args) != 0 {
		t.Errorf("step 0 = %+v, want module 0 without arguments", steps[0])
	}
	want := Reexport{Name: "memory", From: CoreAlias{Name: "memory", Instance: 0}, Kind: CoreSortMemory}
	if steps[1].Module != -1 || len(steps[1].Exports) != 1 || steps[1].Exports[0] != want {
		t.Errorf("step 1 = %+v, want re-export of instance 0 memory", steps[1])
	}
	args := []Arg{{Name: "env", Instance: 1}, {Name: "wasi_snapshot_preview1", Instance: 0}}
	if steps[2].Module != 1 || len(steps[2].Args) != 2 || steps[2].Args[0] != args[0] || steps[2].Args[1] != args[1] {
		t.Errorf("step 2 = %+v, want module 1 with %+v", steps[2], args)
	}
}

func TestPlan_SingleModule(t *testing.T) {
	c, err := Decode(wasmtest.Component(emptyModule))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	steps, err := c.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(steps) != 1 || steps[0].Module != 0 {
		t.Errorf("steps = %+v, want one instantiation of module 0", steps)
	}
}

func TestPlan_Errors(t *testing.T) {
	forward := section(sectionCoreInstance, []byte{
		0x01,             // one instance
		0x00, 0x00, 0x01, // instantiate module 0 with one argument
		0x03, 'e', 'n', 'v', coreInstantiateInstance, 0x00,
	})
	nested := section(sectionComponent, build())

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"modules without instances", wasmtest.Modules(emptyModule, emptyModule), "declares no core instances"},
		{"nested component", build(section(sectionCoreModule, emptyModule), nested), "nested components"},
		{"forward reference", build(section(sectionCoreModule, emptyModule), forward), "refers to instance 0"},
		{"lowered function", wasmtest.Lowered(emptyModule), "needs a component host"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Decode(tc.data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			_, err = c.Plan()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	truncated := wasmtest.Component(emptyModule)
	truncated = truncated[:len(truncated)-2]

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"module", emptyModule, "not a component"},
		{"no modules", build(), "no core modules"},
		{"truncated section", truncated, "exceeds remaining"},
		{"bad module preamble", build(section(sectionCoreModule, []byte("notwasm!"))), "invalid preamble"},
		{"unknown alias target", build(section(sectionAlias, []byte{0x01, 0x00, CoreSortMemory, 0x07})), "unknown target"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
