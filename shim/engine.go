// Package shim is the Spin engine a containerd shim framework drives. It
// precompiles Wasm layers ahead of time and runs a Spin application from
// the layers of a container image.
package shim

import (
	"context"
	"os"
	"syscall"

	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/config"
	"github.com/kate-goldenring/containerd-shim-spin/engine"
	"github.com/kate-goldenring/containerd-shim-spin/oci"
	"github.com/kate-goldenring/containerd-shim-spin/precompile"
	"github.com/kate-goldenring/containerd-shim-spin/telemetry"
	"github.com/kate-goldenring/containerd-shim-spin/trigger"
)

// Name is the engine name containerd selects the shim by.
const Name = "spin"

// RuntimeContext is the container the framework asks the engine to run.
type RuntimeContext interface {
	Args() []string
	Layers() []oci.Layer
}

// Engine runs Spin applications.
type Engine struct {
	cfg      *config.Config
	compiler *engine.WazeroEngine
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	table    trigger.Table
	lookup   func(string) (string, bool)
	notify   func(chan<- os.Signal, ...os.Signal)
	stop     func(chan<- os.Signal)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics records into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTriggerTable replaces the executor dispatch table.
func WithTriggerTable(t trigger.Table) Option {
	return func(e *Engine) {
		e.table = t
	}
}

// WithLookupEnv replaces os.LookupEnv for application variables and
// SPIN_HTTP_LISTEN_ADDR.
func WithLookupEnv(f func(string) (string, bool)) Option {
	return func(e *Engine) {
		e.lookup = f
	}
}

// WithSignals replaces signal.Notify and signal.Stop.
func WithSignals(notify func(chan<- os.Signal, ...os.Signal), stop func(chan<- os.Signal)) Option {
	return func(e *Engine) {
		e.notify = notify
		e.stop = stop
	}
}

// New creates an engine from cfg. A nil cfg uses config.Default.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		cfg:    cfg,
		lookup: os.LookupEnv,
		notify: notifySignals,
		stop:   stopSignals,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		l, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		e.logger = l
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewMetrics()
	}
	if e.table == nil {
		e.table = DefaultTable()
	}
	engine.SetLogger(e.logger.Named("engine"))

	compiler, err := engine.NewWazeroEngineWithConfig(ctx, &engine.Config{
		CompilationCacheDir: cfg.CompilationCacheDir(),
		MemoryLimitPages:    cfg.Engine.MemoryLimitPages,
		Interpreter:         cfg.Engine.Interpreter,
	})
	if err != nil {
		return nil, err
	}
	e.compiler = compiler
	return e, nil
}

// Close releases the compiler.
func (e *Engine) Close(ctx context.Context) error {
	return e.compiler.Close(ctx)
}

// Name returns "spin".
func (e *Engine) Name() string {
	return Name
}

// SupportedLayerMediaTypes lists the layer media types the engine reads.
func (e *Engine) SupportedLayerMediaTypes() []string {
	return oci.SupportedMediaTypes()
}

// CanHandle accepts every container.
func (e *Engine) CanHandle(RuntimeContext) error {
	return nil
}

// Precompile compiles every raw Wasm component layer. See
// precompile.Precompiler for the result layout.
func (e *Engine) Precompile(ctx context.Context, layers []oci.Layer) ([][]byte, error) {
	return precompile.New(e.compiler, e.logger, e.metrics).Precompile(ctx, layers)
}

// PrecompileCacheKey identifies the compiler configuration precompiled
// layers are valid for.
func (e *Engine) PrecompileCacheKey() string {
	return precompile.CacheKey(e.compiler)
}

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *telemetry.Metrics {
	return e.metrics
}

func (e *Engine) getenv(key string) string {
	v, _ := e.lookup(key)
	return v
}

var interruptSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
