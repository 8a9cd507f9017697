package trigger

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/telemetry"
)

// DefaultGrace bounds how long the supervisor waits for cancelled
// executors to return.
const DefaultGrace = 10 * time.Second

// Supervisor builds one executor per kind, runs them concurrently and
// returns when the first one finishes.
type Supervisor struct {
	Table   Table
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Grace   time.Duration
}

type result struct {
	err  error
	kind Kind
}

type launched struct {
	exec Executor
	args any
	kind Kind
}

// Run builds and starts the executors for kinds. It returns the kind of the
// executor that finished first and that executor's error. Nothing is
// built when ctx is already cancelled or a kind has no table entry.
func (s *Supervisor) Run(ctx context.Context, kinds []Kind, in BuildInput, env ArgsEnv) (Kind, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var missing []Kind
	for _, k := range kinds {
		if _, ok := s.Table[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return "", unsupportedError(missing)
	}
	if len(kinds) == 0 {
		return "", errors.New(errors.PhaseTriggerBuild, errors.KindNoTriggers).
			Detail("no triggers declared").
			Build()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	execs := make([]launched, 0, len(kinds))
	for _, k := range kinds {
		l, err := s.build(ctx, k, in, env)
		if err != nil {
			closeAll(execs, logger)
			return k, err
		}
		execs = append(execs, l)
	}
	defer closeAll(execs, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, len(execs))
	var g errgroup.Group
	for _, l := range execs {
		g.Go(func() error {
			logger.Info("starting trigger", zap.String("trigger", string(l.kind)))
			err := l.exec.Run(runCtx, l.args)
			results <- result{kind: l.kind, err: err}
			return nil
		})
	}

	first := <-results
	cancel()
	s.Metrics.RecordTriggerExit(string(first.kind), first.err)
	logger.Info(fmt.Sprintf("trigger type '%s' exited", first.kind), zap.Error(first.err))

	s.wait(&g, logger)

	if first.err == nil {
		return first.kind, nil
	}
	if ctx.Err() != nil && errors.Is(first.err, ctx.Err()) {
		return first.kind, first.err
	}
	return first.kind, errors.New(errors.PhaseTriggerRun, errors.KindExited).
		Subject(string(first.kind)).
		Detail("trigger executor failed").
		Cause(first.err).
		Build()
}

func (s *Supervisor) build(ctx context.Context, k Kind, in BuildInput, env ArgsEnv) (launched, error) {
	def := s.Table[k]
	args := def.Args
	if args == nil {
		args = ArgsFor(k)
	}
	a, err := args(env)
	if err != nil {
		return launched{}, err
	}

	input := in
	if in.App != nil {
		input.App = in.App.Clone()
	}
	if in.Logger != nil {
		input.Logger = in.Logger.With(zap.String("trigger", string(k)))
	}
	exec, err := def.Build(ctx, input)
	if err != nil {
		var se *errors.Error
		if errors.As(err, &se) {
			return launched{}, err
		}
		return launched{}, errors.New(errors.PhaseTriggerBuild, errors.KindRejected).
			Subject(string(k)).
			Detail("build trigger executor").
			Cause(err).
			Build()
	}
	return launched{exec: exec, args: a, kind: k}, nil
}

func (s *Supervisor) wait(g *errgroup.Group, logger *zap.Logger) {
	grace := s.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn("trigger executors did not stop within grace period",
			zap.Duration("grace", grace),
		)
	}
}

func closeAll(execs []launched, logger *zap.Logger) {
	for _, l := range execs {
		c, ok := l.exec.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Debug("close trigger executor",
				zap.String("trigger", string(l.kind)),
				zap.Error(err),
			)
		}
	}
}
