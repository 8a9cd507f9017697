package precompile

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kate-goldenring/containerd-shim-spin/engine"
	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/oci"
	"github.com/kate-goldenring/containerd-shim-spin/telemetry"
	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

var emptyModule = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// fakeCompiler marks artifacts with a prefix so tests can observe calls.
type fakeCompiler struct {
	hash  string
	calls int
	fail  error
}

var fakePrefix = []byte("FAKE:")

func (f *fakeCompiler) DetectPrecompiled(data []byte) bool {
	return bytes.HasPrefix(data, fakePrefix)
}

func (f *fakeCompiler) PrecompileComponent(_ context.Context, component []byte) ([]byte, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	if !wasm.IsComponent(component) {
		return nil, fmt.Errorf("not a component")
	}
	return append(append([]byte{}, fakePrefix...), component...), nil
}

func (f *fakeCompiler) CompatibilityHash() string { return f.hash }

func newWazero(t *testing.T, cfg *engine.Config) *engine.WazeroEngine {
	t.Helper()
	e, err := engine.NewWazeroEngineWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestCacheKey(t *testing.T) {
	a := CacheKey(&fakeCompiler{hash: "wazero/v1.10.1 linux/amd64"})
	b := CacheKey(&fakeCompiler{hash: "wazero/v1.10.1 linux/amd64"})
	c := CacheKey(&fakeCompiler{hash: "wazero/v1.10.1 linux/arm64"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEmpty(t, a)
	for _, r := range a {
		assert.True(t, r >= '0' && r <= '9', "key should be decimal: %s", a)
	}
}

func TestCacheKey_Wazero(t *testing.T) {
	a := newWazero(t, &engine.Config{MemoryLimitPages: 256})
	b := newWazero(t, &engine.Config{MemoryLimitPages: 256})
	c := newWazero(t, &engine.Config{MemoryLimitPages: 512})

	assert.Equal(t, CacheKey(a), CacheKey(b))
	assert.NotEqual(t, CacheKey(a), CacheKey(c))
}

func TestPrecompile_Slots(t *testing.T) {
	component, err := wasm.Componentize(emptyModule)
	require.NoError(t, err)

	tests := []struct {
		name   string
		layers []oci.Layer
		absent []int
	}{
		{"empty", nil, nil},
		{"data only", []oci.Layer{oci.NewLayer(oci.MediaTypeData, []byte("x"))}, []int{0}},
		{
			"mixed",
			[]oci.Layer{
				oci.NewLayer(oci.MediaTypeLockedApp, []byte("{}")),
				oci.NewLayer(oci.MediaTypeWasm, emptyModule),
				oci.NewLayer(oci.MediaTypeData, []byte("asset")),
				oci.NewLayer(oci.MediaTypeWasm, component),
				oci.NewLayer(oci.MediaTypeArchive, []byte("tgz")),
			},
			[]int{0, 2, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(&fakeCompiler{}, nil, nil)
			out, err := p.Precompile(context.Background(), tt.layers)
			require.NoError(t, err)
			require.Len(t, out, len(tt.layers))

			absent := map[int]bool{}
			for _, i := range tt.absent {
				absent[i] = true
			}
			for i := range out {
				if absent[i] {
					assert.Nil(t, out[i], "slot %d should be absent", i)
				} else {
					assert.NotEmpty(t, out[i], "slot %d should be present", i)
				}
			}
		})
	}
}

func TestPrecompile_PassesThroughArtifacts(t *testing.T) {
	f := &fakeCompiler{}
	p := New(f, nil, nil)
	layers := []oci.Layer{
		oci.NewLayer(oci.MediaTypeWasm, []byte("FAKE:one")),
		oci.NewLayer(oci.MediaTypeData, []byte("d")),
		oci.NewLayer(oci.MediaTypeWasm, []byte("FAKE:two")),
	}

	out, err := p.Precompile(context.Background(), layers)
	require.NoError(t, err)
	assert.Equal(t, []byte("FAKE:one"), out[0])
	assert.Nil(t, out[1])
	assert.Equal(t, []byte("FAKE:two"), out[2])
	assert.Zero(t, f.calls, "artifacts must not be recompiled")
}

func TestPrecompile_Idempotent(t *testing.T) {
	p := New(newWazero(t, nil), nil, nil)
	layers := []oci.Layer{oci.NewLayer(oci.MediaTypeWasm, emptyModule)}

	first, err := p.Precompile(context.Background(), layers)
	require.NoError(t, err)
	second, err := p.Precompile(context.Background(), layers)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Feeding the output back in is the identity.
	third, err := p.Precompile(context.Background(), []oci.Layer{oci.NewLayer(oci.MediaTypeWasm, first[0])})
	require.NoError(t, err)
	assert.Equal(t, first[0], third[0])
}

func TestPrecompile_MixedLayers(t *testing.T) {
	e := newWazero(t, nil)
	component, err := wasm.Componentize(emptyModule)
	require.NoError(t, err)
	artifact, err := e.PrecompileComponent(context.Background(), component)
	require.NoError(t, err)

	metrics := telemetry.NewMetrics()
	p := New(e, nil, metrics)
	out, err := p.Precompile(context.Background(), []oci.Layer{
		oci.NewLayer(oci.MediaTypeWasm, emptyModule),
		oci.NewLayer(oci.MediaTypeWasm, artifact),
		oci.NewLayer(oci.MediaTypeData, []byte("static asset")),
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.NotEmpty(t, out[0])
	assert.NotEqual(t, emptyModule, out[0])
	assert.True(t, e.DetectPrecompiled(out[0]))
	assert.Equal(t, artifact, out[1])
	assert.Nil(t, out[2])
}

func TestPrecompile_Failure(t *testing.T) {
	f := &fakeCompiler{fail: fmt.Errorf("out of registers")}
	p := New(f, nil, nil)
	layers := []oci.Layer{
		oci.NewLayer(oci.MediaTypeData, []byte("d")),
		oci.NewLayer(oci.MediaTypeWasm, emptyModule),
		oci.NewLayer(oci.MediaTypeWasm, emptyModule),
	}

	out, err := p.Precompile(context.Background(), layers)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 1, f.calls, "first failure aborts")
	assert.True(t, errors.Is(err, errors.New(errors.PhasePrecompile, errors.KindCompile).Build()))
	assert.Contains(t, err.Error(), "layer 1")
	assert.Contains(t, err.Error(), "out of registers")
	assert.Contains(t, err.Error(), layers[1].Digest().String())
}

func TestPrecompile_InvalidWasm(t *testing.T) {
	p := New(newWazero(t, nil), nil, nil)
	_, err := p.Precompile(context.Background(), []oci.Layer{oci.NewLayer(oci.MediaTypeWasm, []byte("not wasm"))})
	require.Error(t, err)
	phase, ok := errors.PhaseOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.PhasePrecompile, phase)
}

func TestPrecompile_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(&fakeCompiler{}, nil, nil)
	_, err := p.Precompile(ctx, []oci.Layer{oci.NewLayer(oci.MediaTypeWasm, emptyModule)})
	assert.ErrorIs(t, err, context.Canceled)
}
