// Package commandtrigger runs a component's _start once, as a command line
// program with the container's arguments and standard streams.
package commandtrigger

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/kate-goldenring/containerd-shim-spin/runtime"
	"github.com/kate-goldenring/containerd-shim-spin/trigger"
)

// Executor is the command trigger executor.
type Executor struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	guests []*trigger.Guest
}

// Build loads the components of every command trigger.
func Build(ctx context.Context, in trigger.BuildInput) (trigger.Executor, error) {
	e := &Executor{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, t := range in.App.TriggersOfKind(string(trigger.Command)) {
		g, err := in.Guest(ctx, trigger.Command, t.ID, t.Component())
		if err != nil {
			return nil, err
		}
		e.guests = append(e.guests, g)
	}
	return e, nil
}

// Run executes each command component in declaration order and returns
// the first failure. A non-zero exit status is a failure.
func (e *Executor) Run(ctx context.Context, args any) error {
	var guestArgs []string
	switch a := args.(type) {
	case trigger.CommandArgs:
		guestArgs = a.GuestArgs
	case nil, trigger.NoArgs:
	default:
		return fmt.Errorf("command trigger: unexpected arguments %T", args)
	}

	for _, g := range e.guests {
		err := g.Invoke(ctx, runtime.Invocation{
			Stdin:  e.stdin,
			Stdout: e.stdout,
			Stderr: e.stderr,
			Args:   guestArgs,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

