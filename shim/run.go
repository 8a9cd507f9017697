package shim

import (
	"context"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/cache"
	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/runtime"
	"github.com/kate-goldenring/containerd-shim-spin/source"
	"github.com/kate-goldenring/containerd-shim-spin/telemetry"
	"github.com/kate-goldenring/containerd-shim-spin/trigger"
	"github.com/kate-goldenring/containerd-shim-spin/variables"
)

// Run executes the application in rc's layers until its first trigger
// executor finishes or the process is interrupted. It returns exit code 0
// on success or interrupt and 1 with the failure otherwise.
func (e *Engine) Run(rc RuntimeContext, stdio Stdio) (int, error) {
	if err := stdio.Redirect(); err != nil {
		return 1, errors.IO(errors.PhaseSetup, "redirect stdio", err)
	}

	runID := uuid.NewString()
	logger := e.logger.With(zap.String("run_id", runID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	e.notify(sigCh, interruptSignals...)
	stopped := false
	stop := func() {
		if !stopped {
			stopped = true
			e.stop(sigCh)
		}
	}
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- e.execute(ctx, rc, logger)
	}()

	var signals <-chan os.Signal = sigCh
	interrupted := false
	for {
		select {
		case sig := <-signals:
			logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			interrupted = true
			cancel()
			stop()
			signals = nil
		case err := <-done:
			switch {
			case interrupted:
				return 0, nil
			case err != nil:
				logger.Error("application failed", zap.Error(err))
				return 1, err
			default:
				return 0, nil
			}
		}
	}
}

// execute is the pipeline: cache, resolve, bind, select triggers, tracing,
// guest runtime and the trigger supervisor.
func (e *Engine) execute(ctx context.Context, rc RuntimeContext, logger *zap.Logger) error {
	c, err := cache.New(e.cfg.CacheDir)
	if err != nil {
		return errors.IO(errors.PhaseSetup, "open cache", err)
	}

	src, err := source.FromLayers(ctx, rc.Layers(), c,
		source.WithLogger(logger),
		source.WithDetector(e.compiler),
	)
	if err != nil {
		return err
	}
	app, err := src.ToLockedApp(ctx)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("app", app.Name()))
	logger.Info("resolved application",
		zap.Stringer("source", src),
		zap.Int("components", len(app.Components)),
		zap.Int("triggers", len(app.Triggers)),
	)

	bindings, err := variables.Bind(app, e.lookup)
	if err != nil {
		return err
	}
	kinds, err := trigger.KindsOf(app)
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingOptions{
		Exporter:     e.cfg.Tracing.Exporter,
		Endpoint:     e.cfg.Tracing.Endpoint,
		Insecure:     e.cfg.Tracing.Insecure,
		SamplingRate: e.cfg.Tracing.SamplingRate,
		AppName:      app.Name(),
		AppVersion:   app.AppVersion(),
	})
	if err != nil {
		return errors.Wrap(errors.PhaseSetup, errors.KindIO, err, "initialize tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("shutdown tracing", zap.Error(err))
		}
	}()

	ctx, span := telemetry.StartSpan(ctx, "spin.app",
		attribute.String("spin.app.name", app.Name()),
		attribute.Int("spin.app.components", len(app.Components)),
	)

	rt, err := runtime.New(ctx, e.compiler, logger)
	if err != nil {
		telemetry.EndSpan(span, err)
		return err
	}
	defer rt.Close(context.Background())

	if addr := e.cfg.MetricsAddr; addr != "" {
		go func() {
			if err := e.metrics.Serve(ctx, addr, logger); err != nil {
				logger.Warn("metrics server", zap.Error(err))
			}
		}()
	}

	sup := &trigger.Supervisor{
		Table:   e.table,
		Logger:  logger,
		Metrics: e.metrics,
		Grace:   e.cfg.ShutdownGrace(),
	}
	kind, err := sup.Run(ctx, kinds,
		trigger.BuildInput{
			App:      app,
			Source:   src,
			Runtime:  rt,
			Bindings: bindings,
			Logger:   logger,
			Metrics:  e.metrics,
		},
		trigger.ArgsEnv{
			Getenv:          e.getenv,
			DefaultHTTPAddr: e.cfg.HTTPListenAddr,
			GuestArgs:       rc.Args(),
		},
	)
	span.SetAttributes(attribute.String("spin.trigger.exited", string(kind)))
	telemetry.EndSpan(span, err)
	return err
}
