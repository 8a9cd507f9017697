// Package precompile compiles the WebAssembly layers of an image ahead of
// time and fingerprints the compiler configuration the results depend on.
package precompile

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/engine"
	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/oci"
	"github.com/kate-goldenring/containerd-shim-spin/telemetry"
	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

// CacheKey returns the fingerprint of the compiler's compatibility hash.
// Engines that load each other's artifacts return equal keys.
func CacheKey(c engine.Compiler) string {
	return strconv.FormatUint(xxhash.Sum64String(c.CompatibilityHash()), 10)
}

// Precompiler compiles layers with one compiler engine.
type Precompiler struct {
	compiler engine.Compiler
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

// New creates a precompiler. logger and metrics may be nil.
func New(c engine.Compiler, logger *zap.Logger, metrics *telemetry.Metrics) *Precompiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Precompiler{compiler: c, logger: logger, metrics: metrics}
}

// Precompile returns one slot per layer in input order. Non-wasm layers
// yield nil, artifacts this compiler produced are returned unchanged, and
// raw modules are componentized before compilation. The first failure
// aborts the call.
func (p *Precompiler) Precompile(ctx context.Context, layers []oci.Layer) ([][]byte, error) {
	start := time.Now()
	defer func() { p.metrics.ObservePrecompile(time.Since(start)) }()

	out := make([][]byte, len(layers))
	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		class := oci.Classify(layer, p.compiler)
		compiled, err := p.layer(ctx, layer, class)
		if class != oci.NonWasm {
			p.metrics.RecordPrecompiledLayer(class.String(), err)
		}
		if err != nil {
			return nil, errors.New(errors.PhasePrecompile, errors.KindCompile).
				Subject(layer.Digest().String()).
				Detail("layer %d (%s)", i, class).
				Cause(err).
				Build()
		}
		out[i] = compiled
	}
	return out, nil
}

func (p *Precompiler) layer(ctx context.Context, layer oci.Layer, class oci.Classification) ([]byte, error) {
	log := p.logger.With(
		zap.String("digest", layer.Digest().String()),
		zap.String("size", units.HumanSize(float64(len(layer.Content)))),
	)

	switch class {
	case oci.NonWasm:
		return nil, nil
	case oci.PrecompiledComponent:
		log.Debug("layer already precompiled")
		return layer.Content, nil
	case oci.RawWasmModule:
		log.Info("componentizing module")
		component, err := wasm.Componentize(layer.Content)
		if err != nil {
			return nil, err
		}
		return p.compile(ctx, log, component)
	default:
		return p.compile(ctx, log, layer.Content)
	}
}

func (p *Precompiler) compile(ctx context.Context, log *zap.Logger, component []byte) ([]byte, error) {
	start := time.Now()
	artifact, err := p.compiler.PrecompileComponent(ctx, component)
	if err != nil {
		return nil, err
	}
	log.Info("precompiled component",
		zap.Duration("took", time.Since(start)),
		zap.String("artifact_size", units.HumanSize(float64(len(artifact)))),
	)
	return artifact, nil
}
