package runtime

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kate-goldenring/containerd-shim-spin/engine"
	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/internal/wasmtest"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
)

func newRuntime(t *testing.T) (*Runtime, *engine.WazeroEngine) {
	t.Helper()
	ctx := context.Background()
	eng, err := engine.NewWazeroEngine(ctx)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	rt, err := New(ctx, eng, nil)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() {
		rt.Close(ctx)
		eng.Close(ctx)
	})
	return rt, eng
}

func inline(id string, code []byte) locked.Component {
	return locked.Component{ID: id, Source: locked.ContentSource{Content: locked.ContentRef{Inline: code}}}
}

func TestModule_RunWritesStdout(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)

	mod, err := rt.Load(ctx, inline("hello", wasmtest.Write(wasmtest.Stdout, "hello, world\n", 0)))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if mod.ID() != "hello" {
		t.Errorf("ID() = %q", mod.ID())
	}

	var out bytes.Buffer
	if err := mod.Run(ctx, Invocation{Stdout: &out}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "hello, world\n" {
		t.Errorf("stdout = %q", out.String())
	}

	// Each run is a fresh instance.
	out.Reset()
	if err := mod.Run(ctx, Invocation{Stdout: &out}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if out.String() != "hello, world\n" {
		t.Errorf("second stdout = %q", out.String())
	}
}

func TestModule_RunEcho(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)

	mod, err := rt.Load(ctx, inline("echo", wasmtest.Component(wasmtest.Echo("got: "))))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		name  string
		stdin string
	}{
		{"empty", ""},
		{"short", "ping"},
		{"large", strings.Repeat("x", 100000)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			err := mod.Run(ctx, Invocation{Stdin: strings.NewReader(tc.stdin), Stdout: &out})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if want := "got: " + tc.stdin; out.String() != want {
				t.Errorf("stdout length = %d, want %d", out.Len(), len(want))
			}
		})
	}
}

func TestModule_RunExitStatus(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)

	mod, err := rt.Load(ctx, inline("fail", wasmtest.Write(wasmtest.Stderr, "boom\n", 3)))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var stderr bytes.Buffer
	err = mod.Run(ctx, Invocation{Stderr: &stderr})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if stderr.String() != "boom\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
	if code, ok := ExitCode(err); !ok || code != 3 {
		t.Errorf("ExitCode() = %d, %v; want 3, true", code, ok)
	}
	if !errors.Is(err, errors.New(errors.PhaseTriggerRun, errors.KindExited).Build()) {
		t.Errorf("expected trigger-run/exited, got %v", err)
	}
}

func TestModule_RunLinkedComponent(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)

	code := wasmtest.Linked(wasmtest.Adapter(wasmtest.Stderr), wasmtest.WriteSharedMemory(wasmtest.Stdout, "via adapter\n", 0))
	mod, err := rt.Load(ctx, inline("linked", code))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if err := mod.Run(ctx, Invocation{Stdout: &stdout, Stderr: &stderr}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if stderr.String() != "via adapter\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want empty", stdout.String())
	}
}

func TestRuntime_LoadRejectsLoweredImports(t *testing.T) {
	rt, _ := newRuntime(t)
	_, err := rt.Load(context.Background(), inline("lowered", wasmtest.Lowered(wasmtest.Write(wasmtest.Stdout, "x", 0))))
	var e *errors.Error
	if !errors.As(err, &e) || e.Kind != errors.KindCompile {
		t.Fatalf("expected compile error, got %v", err)
	}
	if !strings.Contains(err.Error(), "component host") {
		t.Errorf("error should explain the missing component host: %v", err)
	}
}

func TestModule_RunCancelled(t *testing.T) {
	rt, _ := newRuntime(t)
	mod, err := rt.Load(context.Background(), inline("spin", wasmtest.Spin()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- mod.Run(ctx, Invocation{}) }()

	select {
	case err := <-done:
		if err != context.DeadlineExceeded {
			t.Errorf("err = %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("guest was not stopped by context cancellation")
	}
}

func TestRuntime_LoadFromFile(t *testing.T) {
	ctx := context.Background()
	rt, eng := newRuntime(t)

	artifact, err := eng.PrecompileComponent(ctx, wasmtest.Component(wasmtest.Write(wasmtest.Stdout, "precompiled", 0)))
	if err != nil {
		t.Fatalf("precompile: %v", err)
	}
	path := filepath.Join(t.TempDir(), "app.wasm")
	if err := os.WriteFile(path, artifact, 0o644); err != nil {
		t.Fatal(err)
	}

	c := locked.Component{ID: "file", Source: locked.ContentSource{Content: locked.ContentRef{Source: locked.FileURL(path)}}}
	mod, err := rt.Load(ctx, c)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var out bytes.Buffer
	if err := mod.Run(ctx, Invocation{Stdout: &out}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "precompiled" {
		t.Errorf("stdout = %q", out.String())
	}

	again, err := rt.Load(ctx, c)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if again != mod {
		t.Error("Load should return the cached module")
	}
}

func TestRuntime_LoadErrors(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		c    locked.Component
		kind errors.Kind
	}{
		{"remote source", locked.Component{ID: "a", Source: locked.ContentSource{Content: locked.ContentRef{Source: "https://example.com/a.wasm"}}}, errors.KindRejected},
		{"missing file", locked.Component{ID: "b", Source: locked.ContentSource{Content: locked.ContentRef{Source: locked.FileURL(filepath.Join(dir, "nope.wasm"))}}}, errors.KindIO},
		{"invalid wasm", inline("c", []byte("garbage")), errors.KindCompile},
		{
			"file mount",
			locked.Component{
				ID:     "d",
				Source: locked.ContentSource{Content: locked.ContentRef{Inline: wasmtest.Spin()}},
				Files:  []locked.ContentPath{{Content: locked.ContentRef{Source: locked.FileURL(file)}, Path: "/"}},
			},
			errors.KindRejected,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rt.Load(ctx, tc.c)
			if err == nil {
				t.Fatal("expected error")
			}
			var e *errors.Error
			if !errors.As(err, &e) {
				t.Fatalf("expected structured error, got %T", err)
			}
			if e.Kind != tc.kind {
				t.Errorf("kind = %s, want %s (%v)", e.Kind, tc.kind, err)
			}
		})
	}
}

func TestModule_EnvAndMounts(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)
	dir := t.TempDir()

	c := inline("env", wasmtest.Write(wasmtest.Stdout, "ok", 0))
	c.Env = map[string]string{"B": "2", "A": "1"}
	c.Files = []locked.ContentPath{{Content: locked.ContentRef{Source: locked.FileURL(dir)}, Path: "/"}}

	mod, err := rt.Load(ctx, c)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(mod.env) != 2 || mod.env[0] != [2]string{"A", "1"} {
		t.Errorf("env = %v", mod.env)
	}
	if len(mod.mounts) != 1 || mod.mounts[0].host != dir || mod.mounts[0].guest != "/" {
		t.Errorf("mounts = %v", mod.mounts)
	}
	if err := mod.Run(ctx, Invocation{Env: []string{"SPIN_CONFIG_X=y"}}); err != nil {
		t.Fatalf("run with mount: %v", err)
	}
	if got := mod.Exports(); len(got) != 1 || got[0] != "_start" {
		t.Errorf("Exports() = %v", got)
	}
}

func TestRuntime_LoadAll(t *testing.T) {
	rt, _ := newRuntime(t)
	app := &locked.App{Components: []locked.Component{
		inline("one", wasmtest.Write(wasmtest.Stdout, "1", 0)),
		inline("two", wasmtest.Write(wasmtest.Stdout, "2", 0)),
	}}
	mods, err := rt.LoadAll(context.Background(), app)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(mods) != 2 || mods["two"].ID() != "two" {
		t.Errorf("mods = %v", mods)
	}
}
