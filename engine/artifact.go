package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

// Artifact layout: magic, format version (u32 LE), compatibility sum
// (u64 LE), then the component the native code was compiled from. The
// magic never collides with the wasm preamble.
const (
	artifactVersion    uint32 = 1
	artifactHeaderSize        = 8 + 4 + 8
)

var artifactMagic = [8]byte{'W', 'Z', 'P', 'R', 'E', 'C', 'M', 'P'}

func isArtifact(data []byte) bool {
	return len(data) >= artifactHeaderSize && bytes.Equal(data[:8], artifactMagic[:])
}

// DetectPrecompiled reports whether data is an artifact produced by an
// engine with the same compatibility hash.
func (e *WazeroEngine) DetectPrecompiled(data []byte) bool {
	if !isArtifact(data) {
		return false
	}
	return binary.LittleEndian.Uint32(data[8:12]) == artifactVersion &&
		binary.LittleEndian.Uint64(data[12:20]) == e.sum
}

// Payload returns the component inside an artifact produced by this engine.
func (e *WazeroEngine) Payload(data []byte) ([]byte, error) {
	if !isArtifact(data) {
		return nil, fmt.Errorf("not a precompiled artifact")
	}
	if !e.DetectPrecompiled(data) {
		return nil, fmt.Errorf("artifact was precompiled for a different engine configuration")
	}
	return data[artifactHeaderSize:], nil
}

// PrecompileComponent compiles the component's core modules for this host,
// which validates them and their linking and fills the compilation cache,
// and wraps the component into an artifact.
func (e *WazeroEngine) PrecompileComponent(ctx context.Context, component []byte) ([]byte, error) {
	if !wasm.IsComponent(component) {
		return nil, fmt.Errorf("precompile: input is not a component")
	}

	compiled, err := e.Compile(ctx, e.runtime, component)
	if err != nil {
		return nil, err
	}
	Logger().Debug("component precompiled", zap.Int("core_modules", compiled.Modules()))
	if err := compiled.Close(ctx); err != nil {
		Logger().Warn("release compiled module", zap.Error(err))
	}

	out := make([]byte, artifactHeaderSize, artifactHeaderSize+len(component))
	copy(out, artifactMagic[:])
	binary.LittleEndian.PutUint32(out[8:12], artifactVersion)
	binary.LittleEndian.PutUint64(out[12:20], e.sum)
	return append(out, component...), nil
}
