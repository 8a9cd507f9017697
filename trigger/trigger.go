// Package trigger selects, builds and supervises the event sources of a
// locked application.
//
// Every trigger kind the application declares gets exactly one executor.
// Executors run concurrently; the first to finish, successfully or not,
// decides the application's outcome and the rest are cancelled.
package trigger

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
	"github.com/kate-goldenring/containerd-shim-spin/runtime"
	"github.com/kate-goldenring/containerd-shim-spin/source"
	"github.com/kate-goldenring/containerd-shim-spin/telemetry"
	"github.com/kate-goldenring/containerd-shim-spin/variables"
)

// Kind is a trigger_type label.
type Kind string

const (
	HTTP    Kind = "http"
	Redis   Kind = "redis"
	SQS     Kind = "sqs"
	Command Kind = "command"
	MQTT    Kind = "mqtt"
)

// Supported returns the kinds this shim can execute, sorted.
func Supported() []Kind {
	return []Kind{Command, HTTP, MQTT, Redis, SQS}
}

// IsSupported reports whether k is in Supported.
func IsSupported(k Kind) bool {
	for _, s := range Supported() {
		if s == k {
			return true
		}
	}
	return false
}

// KindsOf returns the distinct trigger kinds of app, sorted. It fails when
// the application declares no triggers or any unsupported kind.
func KindsOf(app *locked.App) ([]Kind, error) {
	seen := make(map[Kind]bool)
	var kinds, unsupported []Kind
	for _, t := range app.Triggers {
		k := Kind(t.TriggerType)
		if seen[k] {
			continue
		}
		seen[k] = true
		if IsSupported(k) {
			kinds = append(kinds, k)
		} else {
			unsupported = append(unsupported, k)
		}
	}

	if len(unsupported) > 0 {
		return nil, unsupportedError(unsupported)
	}
	if len(kinds) == 0 {
		return nil, errors.New(errors.PhaseTriggerBuild, errors.KindNoTriggers).
			Detail("no triggers declared").
			Build()
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds, nil
}

func unsupportedError(kinds []Kind) error {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	sort.Strings(names)
	return errors.Unsupported(names...)
}

// Executor runs one trigger kind for the lifetime of the application. Run
// must return promptly once ctx is cancelled and release its listeners and
// subscriptions. Executors may also implement io.Closer.
type Executor interface {
	Run(ctx context.Context, args any) error
}

// BuildInput is what a builder receives. App is a private deep copy.
type BuildInput struct {
	App      *locked.App
	Source   *source.Source
	Runtime  *runtime.Runtime
	Bindings *variables.Bindings
	Logger   *zap.Logger
	Metrics  *telemetry.Metrics
}

// Builder constructs the executor of one kind.
type Builder func(ctx context.Context, in BuildInput) (Executor, error)

// Definition is one row of the dispatch table.
type Definition struct {
	Build Builder
	Args  ArgsFunc
}

// Table maps each kind to its builder and argument factory.
type Table map[Kind]Definition
