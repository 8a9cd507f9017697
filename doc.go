// Package spin is a containerd shim engine for Spin applications.
//
// The engine takes the layers of an OCI image, works out how the
// application was packaged, resolves it into a locked application, binds
// its variables from the container environment and runs one executor per
// trigger kind until the first of them finishes.
//
// # Architecture Overview
//
// The module is organized into packages with distinct responsibilities:
//
//	spin/                Root package with build information
//	├── shim/            Engine contract and execution driver
//	├── precompile/      Ahead-of-time compilation of Wasm layers
//	├── engine/          wazero integration, artifacts and compatibility hash
//	├── oci/             Layer media types and classification
//	├── source/          Layer layouts to a locked application
//	├── cache/           Content-addressed blob and asset cache
//	├── locked/          Locked application model
//	├── variables/       Application variables and config templates
//	├── runtime/         Guest instantiation under WASI
//	├── trigger/         Trigger kinds, dispatch table and supervisor
//	│   ├── httptrigger/     HTTP routes served with WAGI
//	│   ├── redistrigger/    Redis pub/sub channels
//	│   ├── sqstrigger/      SQS queue polling
//	│   ├── mqtttrigger/     MQTT topic subscriptions
//	│   └── commandtrigger/  One-shot command components
//	├── config/          Shim configuration
//	├── telemetry/       Logging, tracing and metrics
//	├── wasm/            Core and component binary primitives
//	└── errors/          Structured error types
//
// # Quick Start
//
// Run an application from its layers:
//
//	e, err := shim.New(ctx, config.Default())
//	if err != nil {
//	    return err
//	}
//	defer e.Close(ctx)
//
//	code, err := e.Run(rc, shim.Stdio{})
//
// Precompile the Wasm layers of an image for this host:
//
//	artifacts, err := e.Precompile(ctx, layers)
//	key := e.PrecompileCacheKey()
//
// # Layouts
//
// An image is read as, in order of preference: an application archive
// (application/vnd.wasm.content.bundle.v1.tar+gzip), a locked
// application with sibling wasm and data layers, or a single wasm layer
// run as a bare module. Anything else is rejected.
//
// # Error Handling
//
// Errors are tagged with the phase that produced them:
//
//	var e *errors.Error
//	if errors.As(err, &e) {
//	    fmt.Println(e.Phase, e.Kind, e.Subject)
//	}
package spin
