package engine

import (
	"context"
	"fmt"
	goruntime "runtime"
	"runtime/debug"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"
)

const wazeroModulePath = "github.com/tetratelabs/wazero"

// Compiler is the capability the shim needs from a WebAssembly compiler.
type Compiler interface {
	// DetectPrecompiled reports whether data is an artifact this compiler
	// produced under an identical configuration.
	DetectPrecompiled(data []byte) bool

	// PrecompileComponent compiles a component for this host and returns
	// the loadable artifact.
	PrecompileComponent(ctx context.Context, component []byte) ([]byte, error)

	// CompatibilityHash identifies the configuration artifacts depend on.
	CompatibilityHash() string
}

// WazeroEngine implements Compiler using the wazero runtime
type WazeroEngine struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	cfg     Config
	hash    string
	sum     uint64
	closeMu sync.Mutex
	closed  bool
}

var _ Compiler = (*WazeroEngine)(nil)

// Config holds configuration for engine creation
type Config struct {
	// CompilationCacheDir persists wazero's native code between processes.
	// Empty keeps compiled code in memory, shared by every runtime the
	// engine creates.
	CompilationCacheDir string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// EnableThreads enables the WebAssembly threads proposal (experimental).
	EnableThreads bool

	// Interpreter forces the interpreter even where the compiler is supported.
	Interpreter bool
}

// NewWazeroEngine creates a new wazero-based engine
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	e := &WazeroEngine{}
	if cfg != nil {
		e.cfg = *cfg
	}

	if e.cfg.CompilationCacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(e.cfg.CompilationCacheDir)
		if err != nil {
			return nil, fmt.Errorf("open compilation cache %s: %w", e.cfg.CompilationCacheDir, err)
		}
		e.cache = cache
	} else {
		e.cache = wazero.NewCompilationCache()
	}

	e.hash = compatibilityHash(e.cfg)
	e.sum = xxhash.Sum64String(e.hash)
	e.runtime = wazero.NewRuntimeWithConfig(ctx, e.RuntimeConfig())

	Logger().Debug("wazero engine created",
		zap.String("compatibility", e.hash),
		zap.Bool("persistent_cache", e.cfg.CompilationCacheDir != ""),
	)
	return e, nil
}

// RuntimeConfig returns the wazero configuration every runtime derived from
// this engine uses. Guests stop when their context is cancelled.
func (e *WazeroEngine) RuntimeConfig() wazero.RuntimeConfig {
	var rc wazero.RuntimeConfig
	if e.cfg.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	} else {
		rc = wazero.NewRuntimeConfig()
	}

	rc = rc.WithCloseOnContextDone(true).WithCoreFeatures(e.coreFeatures())
	if e.cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	return rc.WithCompilationCache(e.cache)
}

// NewRuntime creates a wazero runtime sharing this engine's configuration
// and compilation cache.
func (e *WazeroEngine) NewRuntime(ctx context.Context) wazero.Runtime {
	return wazero.NewRuntimeWithConfig(ctx, e.RuntimeConfig())
}

func (e *WazeroEngine) coreFeatures() api.CoreFeatures {
	features := api.CoreFeaturesV2
	if e.cfg.EnableThreads {
		features |= experimental.CoreFeaturesThreads
	}
	return features
}

// CompatibilityHash returns the canonical description of everything a
// precompiled artifact depends on.
func (e *WazeroEngine) CompatibilityHash() string {
	return e.hash
}

// Close releases the engine's runtime and compilation cache.
func (e *WazeroEngine) Close(ctx context.Context) error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	err := e.runtime.Close(ctx)
	if cerr := e.cache.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

func compatibilityHash(cfg Config) string {
	mode := "auto"
	if cfg.Interpreter {
		mode = "interpreter"
	}
	features := api.CoreFeaturesV2
	if cfg.EnableThreads {
		features |= experimental.CoreFeaturesThreads
	}
	return fmt.Sprintf("wazero/%s %s/%s mode=%s features=%#x memory-pages=%d close-on-done=true artifact=%d",
		wazeroVersion(), goruntime.GOOS, goruntime.GOARCH, mode, uint64(features), cfg.MemoryLimitPages, artifactVersion)
}

func wazeroVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path != wazeroModulePath {
			continue
		}
		if dep.Replace != nil {
			return dep.Replace.Version
		}
		return dep.Version
	}
	return "unknown"
}
