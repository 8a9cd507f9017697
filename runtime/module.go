package runtime

import (
	"context"
	"crypto/rand"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"

	"github.com/kate-goldenring/containerd-shim-spin/engine"
	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
)

// Module is a compiled component ready to be instantiated.
type Module struct {
	compiled *engine.Compiled
	runtime  *Runtime
	id       string
	env      [][2]string
	mounts   []mount
}

type mount struct {
	host  string
	guest string
}

// Invocation is the per-call WASI context. Env entries are KEY=VALUE and
// are applied after the component's own environment.
type Invocation struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Args   []string
	Env    []string
}

// ID returns the component id.
func (m *Module) ID() string {
	return m.id
}

// Exports lists the functions the entry core module exports.
func (m *Module) Exports() []string {
	return m.compiled.Exports()
}

// Run links a fresh instance and runs _start to completion. A guest
// calling proc_exit(0) succeeds; any other exit status fails with an
// exited error carrying the status.
func (m *Module) Run(ctx context.Context, inv Invocation) error {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{m.id}, inv.Args...)...).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader).
		WithStderr(orDiscard(inv.Stderr)).
		WithStdout(orDiscard(inv.Stdout))
	if inv.Stdin != nil {
		cfg = cfg.WithStdin(inv.Stdin)
	}
	for _, kv := range m.env {
		cfg = cfg.WithEnv(kv[0], kv[1])
	}
	for _, kv := range inv.Env {
		k, v, _ := strings.Cut(kv, "=")
		cfg = cfg.WithEnv(k, v)
	}
	if len(m.mounts) > 0 {
		fsCfg := wazero.NewFSConfig()
		for _, mt := range m.mounts {
			fsCfg = fsCfg.WithReadOnlyDirMount(mt.host, mt.guest)
		}
		cfg = cfg.WithFSConfig(fsCfg)
	}

	inst, err := m.compiled.Instantiate(ctx, m.runtime.wr, cfg)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.Wrap(errors.PhaseTriggerRun, errors.KindRejected, err, "link component "+m.id)
	}
	defer inst.Close(ctx)

	err = inst.Start(ctx)
	if err == nil {
		return nil
	}

	if code, ok := ExitCode(err); ok {
		if code == 0 {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.New(errors.PhaseTriggerRun, errors.KindExited).
			Subject(m.id).
			Detail("guest exited with status %d", code).
			Cause(err).
			Build()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return errors.Wrap(errors.PhaseTriggerRun, errors.KindRejected, err, "component "+m.id+" trapped")
}

// ExitCode extracts a WASI exit status from err.
func ExitCode(err error) (uint32, bool) {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func envOf(env map[string]string) [][2]string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, env[k]})
	}
	return out
}

// mountsOf maps the component's file:// directories to guest paths.
func mountsOf(c locked.Component) ([]mount, error) {
	var out []mount
	for _, f := range c.Files {
		host, ok := f.Content.LocalPath()
		if !ok {
			return nil, errors.New(errors.PhaseTriggerBuild, errors.KindRejected).
				Subject(c.ID).
				Detail("file %s is not a local directory", f.Path).
				Build()
		}
		fi, err := os.Stat(host)
		if err != nil {
			return nil, errors.IO(errors.PhaseTriggerBuild, "stat mount for "+c.ID, err)
		}
		if !fi.IsDir() {
			return nil, errors.New(errors.PhaseTriggerBuild, errors.KindRejected).
				Subject(c.ID).
				Detail("file %s must be a directory mount", f.Path).
				Build()
		}
		guest := f.Path
		if guest == "" {
			guest = "/"
		}
		out = append(out, mount{host: host, guest: guest})
	}
	return out, nil
}
