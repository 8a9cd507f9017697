package engine

import (
	"bytes"
	"context"
	"io/fs"
	"path/filepath"
	goruntime "runtime"
	"slices"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/kate-goldenring/containerd-shim-spin/internal/wasmtest"
	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

var emptyModule = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

func newTestEngine(t *testing.T, cfg *Config) *WazeroEngine {
	t.Helper()
	ctx := context.Background()
	e, err := NewWazeroEngineWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("NewWazeroEngineWithConfig failed: %v", err)
	}
	t.Cleanup(func() { e.Close(ctx) })
	return e
}

func TestNewWazeroEngineWithConfig(t *testing.T) {
	tests := []struct {
		cfg  *Config
		name string
	}{
		{nil, "nil config"},
		{&Config{}, "default config"},
		{&Config{MemoryLimitPages: 256}, "16MB limit"},
		{&Config{Interpreter: true}, "interpreter"},
		{&Config{CompilationCacheDir: t.TempDir()}, "persistent cache"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, tc.cfg)
			if e.runtime == nil {
				t.Error("engine runtime should not be nil")
			}
			if e.CompatibilityHash() == "" {
				t.Error("compatibility hash should not be empty")
			}
		})
	}
}

func TestWazeroEngine_CloseTwice(t *testing.T) {
	ctx := context.Background()
	e, err := NewWazeroEngine(ctx)
	if err != nil {
		t.Fatalf("NewWazeroEngine failed: %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestCompatibilityHash(t *testing.T) {
	a := newTestEngine(t, &Config{MemoryLimitPages: 512})
	b := newTestEngine(t, &Config{MemoryLimitPages: 512})
	if a.CompatibilityHash() != b.CompatibilityHash() {
		t.Errorf("identical configs produced different hashes:\n%s\n%s", a.CompatibilityHash(), b.CompatibilityHash())
	}

	variants := []*Config{
		{MemoryLimitPages: 1024},
		{MemoryLimitPages: 512, Interpreter: true},
		{MemoryLimitPages: 512, EnableThreads: true},
	}
	for _, cfg := range variants {
		c := newTestEngine(t, cfg)
		if c.CompatibilityHash() == a.CompatibilityHash() {
			t.Errorf("config %+v should change the hash", *cfg)
		}
	}

	// The cache directory only changes where code is stored, not what it is.
	d := newTestEngine(t, &Config{MemoryLimitPages: 512, CompilationCacheDir: t.TempDir()})
	if d.CompatibilityHash() != a.CompatibilityHash() {
		t.Error("compilation cache dir should not affect the hash")
	}
}

func TestPrecompileComponent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	component, err := wasm.Componentize(emptyModule)
	if err != nil {
		t.Fatalf("componentize: %v", err)
	}

	artifact, err := e.PrecompileComponent(ctx, component)
	if err != nil {
		t.Fatalf("PrecompileComponent: %v", err)
	}
	if bytes.Equal(artifact, component) {
		t.Fatal("artifact should differ from the component")
	}
	if !e.DetectPrecompiled(artifact) {
		t.Fatal("engine should detect its own artifact")
	}
	if e.DetectPrecompiled(component) || e.DetectPrecompiled(emptyModule) {
		t.Error("raw wasm must not be detected as precompiled")
	}

	again, err := e.PrecompileComponent(ctx, component)
	if err != nil {
		t.Fatalf("second PrecompileComponent: %v", err)
	}
	if !bytes.Equal(again, artifact) {
		t.Error("precompilation should be deterministic")
	}

	payload, err := e.Payload(artifact)
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if !bytes.Equal(payload, component) {
		t.Error("payload should be the original component")
	}
}

func TestPrecompileComponent_RejectsModule(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.PrecompileComponent(context.Background(), emptyModule)
	if err == nil || !strings.Contains(err.Error(), "not a component") {
		t.Errorf("expected not-a-component error, got %v", err)
	}
}

func TestPrecompileComponent_InvalidCore(t *testing.T) {
	e := newTestEngine(t, nil)
	// Type section claiming one entry with an invalid form byte.
	bad := append(append([]byte{}, emptyModule...), 0x01, 0x02, 0x01, 0x55)
	component, err := wasm.Componentize(bad)
	if err != nil {
		t.Fatalf("componentize: %v", err)
	}
	if _, err := e.PrecompileComponent(context.Background(), component); err == nil {
		t.Error("expected compile error for invalid core module")
	}
}

func TestDetectPrecompiled_OtherConfiguration(t *testing.T) {
	ctx := context.Background()
	a := newTestEngine(t, nil)
	b := newTestEngine(t, &Config{MemoryLimitPages: 16})

	component, _ := wasm.Componentize(emptyModule)
	artifact, err := a.PrecompileComponent(ctx, component)
	if err != nil {
		t.Fatalf("PrecompileComponent: %v", err)
	}
	if b.DetectPrecompiled(artifact) {
		t.Error("artifact from a different configuration must not be detected")
	}
	if _, err := b.Payload(artifact); err == nil {
		t.Error("Payload should reject artifacts from a different configuration")
	}
}

func TestCompile(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	component, _ := wasm.Componentize(emptyModule)
	artifact, _ := e.PrecompileComponent(ctx, component)

	for name, data := range map[string][]byte{
		"module":    emptyModule,
		"component": component,
		"artifact":  artifact,
	} {
		t.Run(name, func(t *testing.T) {
			r := e.NewRuntime(ctx)
			defer r.Close(ctx)
			compiled, err := e.Compile(ctx, r, data)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if compiled.Modules() != 1 {
				t.Errorf("Modules() = %d, want 1", compiled.Modules())
			}
			compiled.Close(ctx)
		})
	}

	r := e.NewRuntime(ctx)
	defer r.Close(ctx)
	if _, err := e.Compile(ctx, r, []byte("garbage")); err == nil {
		t.Error("expected error for non-wasm input")
	}
}

func newWASIRuntime(t *testing.T, e *WazeroEngine) wazero.Runtime {
	t.Helper()
	ctx := context.Background()
	r := e.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })
	if _, err := InstantiateWASI(ctx, r); err != nil {
		t.Fatalf("InstantiateWASI: %v", err)
	}
	return r
}

func TestCompile_LinksTwoCoreModules(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	r := newWASIRuntime(t, e)

	// The adapter redirects every write to stderr, so output there proves
	// main called through the adapter over the shared memory.
	linked := wasmtest.Linked(wasmtest.Adapter(wasmtest.Stderr), wasmtest.WriteSharedMemory(wasmtest.Stdout, "linked", 0))

	compiled, err := e.Compile(ctx, r, linked)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer compiled.Close(ctx)
	if compiled.Modules() != 2 {
		t.Fatalf("Modules() = %d, want 2", compiled.Modules())
	}
	if got := compiled.Exports(); !slices.Contains(got, StartFunction) {
		t.Errorf("Exports() = %v, want the main module's _start", got)
	}

	for i := 0; i < 2; i++ {
		var stdout, stderr bytes.Buffer
		cfg := wazero.NewModuleConfig().WithStdout(&stdout).WithStderr(&stderr)
		inst, err := compiled.Instantiate(ctx, r, cfg)
		if err != nil {
			t.Fatalf("Instantiate #%d: %v", i, err)
		}
		if err := inst.Start(ctx); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		if err := inst.Close(ctx); err != nil {
			t.Errorf("Close #%d: %v", i, err)
		}
		if stderr.String() != "linked" {
			t.Errorf("stderr = %q, want %q", stderr.String(), "linked")
		}
		if stdout.Len() != 0 {
			t.Errorf("stdout = %q, want empty", stdout.String())
		}
	}
}

func TestPrecompileComponent_Linked(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	linked := wasmtest.Linked(wasmtest.Adapter(wasmtest.Stderr), wasmtest.WriteSharedMemory(wasmtest.Stdout, "x", 0))

	artifact, err := e.PrecompileComponent(ctx, linked)
	if err != nil {
		t.Fatalf("PrecompileComponent: %v", err)
	}
	payload, err := e.Payload(artifact)
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if !bytes.Equal(payload, linked) {
		t.Error("payload should be the linked component")
	}
}

func TestCompile_LinkErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	r := newWASIRuntime(t, e)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"lowered import", wasmtest.Lowered(wasmtest.Write(wasmtest.Stdout, "x", 0)), "component host"},
		{"modules without instances", wasmtest.Modules(emptyModule, emptyModule), "no core instances"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Compile(ctx, r, tc.data)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestInstantiate_MissingExport(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	r := newWASIRuntime(t, e)

	// emptyModule exports no memory for the from-exports instance to gather.
	compiled, err := e.Compile(ctx, r, wasmtest.Linked(emptyModule, wasmtest.WriteSharedMemory(wasmtest.Stdout, "x", 0)))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer compiled.Close(ctx)

	_, err = compiled.Instantiate(ctx, r, wazero.NewModuleConfig())
	if err == nil || !strings.Contains(err.Error(), `does not export memory "memory"`) {
		t.Errorf("expected missing memory error, got %v", err)
	}
}

func TestCompilationCache_SharedByDefault(t *testing.T) {
	e := newTestEngine(t, nil)
	if e.cache == nil {
		t.Fatal("engine without a cache dir should still share an in-memory cache")
	}
}

func TestPrecompileComponent_FillsCacheDir(t *testing.T) {
	if goruntime.GOARCH != "amd64" && goruntime.GOARCH != "arm64" {
		t.Skip("the interpreter does not persist compiled code")
	}
	ctx := context.Background()
	dir := t.TempDir()
	e := newTestEngine(t, &Config{CompilationCacheDir: dir})

	if _, err := e.PrecompileComponent(ctx, wasmtest.Component(wasmtest.Write(wasmtest.Stdout, "cached", 0))); err != nil {
		t.Fatalf("PrecompileComponent: %v", err)
	}

	files := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files++
		}
		return err
	})
	if err != nil {
		t.Fatalf("walk cache dir: %v", err)
	}
	if files == 0 {
		t.Error("precompilation should leave compiled code in the cache dir")
	}
}
