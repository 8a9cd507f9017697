// Package triggertest builds executor inputs backed by a real guest
// runtime for tests.
package triggertest

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/engine"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
	"github.com/kate-goldenring/containerd-shim-spin/runtime"
	"github.com/kate-goldenring/containerd-shim-spin/telemetry"
	"github.com/kate-goldenring/containerd-shim-spin/trigger"
	"github.com/kate-goldenring/containerd-shim-spin/variables"
)

// Component returns a component whose source is the inline module code.
func Component(id string, code []byte) locked.Component {
	return locked.Component{
		ID:     id,
		Source: locked.ContentSource{Content: locked.ContentRef{Inline: code}},
	}
}

// Trigger returns a trigger of kind driving component with extra config.
func Trigger(id string, kind trigger.Kind, component string, config map[string]any) locked.Trigger {
	cfg := map[string]any{"component": component}
	for k, v := range config {
		cfg[k] = v
	}
	return locked.Trigger{ID: id, TriggerType: string(kind), TriggerConfig: cfg}
}

// Input returns a build input for app with a fresh runtime and bindings
// resolved from env. Resources are released when the test ends.
func Input(t testing.TB, app *locked.App, env map[string]string) trigger.BuildInput {
	t.Helper()
	ctx := context.Background()

	eng, err := engine.NewWazeroEngine(ctx)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	rt, err := runtime.New(ctx, eng, nil)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() {
		rt.Close(ctx)
		eng.Close(ctx)
	})

	bindings, err := variables.Bind(app, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("bind variables: %v", err)
	}

	return trigger.BuildInput{
		App:      app.Clone(),
		Runtime:  rt,
		Bindings: bindings,
		Logger:   zap.NewNop(),
		Metrics:  telemetry.NewMetrics(),
	}
}
