package runtime

import (
	"context"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/engine"
	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
)

// Runtime owns one wazero runtime with WASI instantiated and the compiled
// modules of the components loaded so far.
type Runtime struct {
	engine  *engine.WazeroEngine
	wr      wazero.Runtime
	logger  *zap.Logger
	modules map[string]*Module
	mu      sync.Mutex
}

// New creates a runtime from the engine's configuration.
func New(ctx context.Context, eng *engine.WazeroEngine, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	wr := eng.NewRuntime(ctx)
	if _, err := engine.InstantiateWASI(ctx, wr); err != nil {
		wr.Close(ctx)
		return nil, errors.Wrap(errors.PhaseSetup, errors.KindIO, err, "instantiate WASI")
	}
	return &Runtime{
		engine:  eng,
		wr:      wr,
		logger:  logger,
		modules: make(map[string]*Module),
	}, nil
}

// Close releases every compiled module and running instance.
func (r *Runtime) Close(ctx context.Context) error {
	return r.wr.Close(ctx)
}

// Load compiles a component, returning the cached module on later calls
// with the same id.
func (r *Runtime) Load(ctx context.Context, c locked.Component) (*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.modules[c.ID]; ok {
		return m, nil
	}

	code, err := readSource(c)
	if err != nil {
		return nil, err
	}

	compiled, err := r.engine.Compile(ctx, r.wr, code)
	if err != nil {
		return nil, errors.New(errors.PhaseTriggerBuild, errors.KindCompile).
			Subject(c.ID).
			Cause(err).
			Build()
	}

	mounts, err := mountsOf(c)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	m := &Module{
		id:       c.ID,
		runtime:  r,
		compiled: compiled,
		env:      envOf(c.Env),
		mounts:   mounts,
	}
	r.modules[c.ID] = m
	r.logger.Debug("component loaded",
		zap.String("component", c.ID),
		zap.Int("mounts", len(mounts)),
	)
	return m, nil
}

// LoadAll compiles every component of the application.
func (r *Runtime) LoadAll(ctx context.Context, app *locked.App) (map[string]*Module, error) {
	out := make(map[string]*Module, len(app.Components))
	for _, c := range app.Components {
		m, err := r.Load(ctx, c)
		if err != nil {
			return nil, err
		}
		out[c.ID] = m
	}
	return out, nil
}

func readSource(c locked.Component) ([]byte, error) {
	ref := c.Source.Content
	if ref.Inline != nil {
		return ref.Inline, nil
	}
	path, ok := ref.LocalPath()
	if !ok {
		return nil, errors.New(errors.PhaseTriggerBuild, errors.KindRejected).
			Subject(c.ID).
			Detail("component source %q is not a local file", ref.Source).
			Build()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.IO(errors.PhaseTriggerBuild, "read component "+c.ID, err)
	}
	return data, nil
}
