package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/runtime"
)

// Guest is a loaded component together with the configuration environment
// the bindings project for it.
type Guest struct {
	module  *runtime.Module
	env     []string
	kind    Kind
	in      BuildInput
	trigger string
}

// Guest loads the component a trigger drives.
func (in BuildInput) Guest(ctx context.Context, kind Kind, triggerID, componentID string) (*Guest, error) {
	if componentID == "" {
		return nil, errors.New(errors.PhaseTriggerBuild, errors.KindRejected).
			Subject(triggerID).
			Detail("trigger has no component").
			Build()
	}
	c, ok := in.App.Component(componentID)
	if !ok {
		return nil, errors.NotFound(errors.PhaseTriggerBuild, "component", componentID)
	}
	m, err := in.Runtime.Load(ctx, *c)
	if err != nil {
		return nil, err
	}
	var env []string
	if in.Bindings != nil {
		env = in.Bindings.Env(componentID)
	}
	return &Guest{
		module:  m,
		env:     env,
		kind:    kind,
		in:      in,
		trigger: triggerID,
	}, nil
}

// Component returns the component id.
func (g *Guest) Component() string {
	return g.module.ID()
}

// Invoke runs the component once and records the outcome.
func (g *Guest) Invoke(ctx context.Context, inv runtime.Invocation) error {
	inv.Env = append(append([]string(nil), g.env...), inv.Env...)

	start := time.Now()
	err := g.module.Run(ctx, inv)
	g.in.Metrics.RecordInvocation(string(g.kind), g.Component(), time.Since(start), err)
	if err != nil && ctx.Err() == nil {
		g.logger().Warn("component invocation failed", zap.Error(err))
	}
	return err
}

func (g *Guest) logger() *zap.Logger {
	l := g.in.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return l.With(
		zap.String("trigger", string(g.kind)),
		zap.String("trigger_id", g.trigger),
		zap.String("component", g.Component()),
	)
}
