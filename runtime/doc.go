// Package runtime executes the components of a locked application.
//
// Each component's core module is compiled once per Runtime and
// instantiated afresh for every invocation, with WASI preview1 providing
// arguments, environment, stdio and the component's directory mount:
//
//	rt, err := runtime.New(ctx, eng, logger)
//	if err != nil {
//	    return err
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.Load(ctx, app.Components[0])
//	if err != nil {
//	    return err
//	}
//	err = mod.Run(ctx, runtime.Invocation{Stdin: body, Stdout: &out})
//
// Instances stop when the invocation's context is cancelled.
package runtime
