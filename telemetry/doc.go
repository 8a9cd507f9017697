// Package telemetry builds the shim's logger, tracer provider and metrics.
//
// All three are optional at the call sites: a nil *Metrics records nothing,
// and tracing stays on the global no-op provider unless InitTracing is
// given an exporter.
package telemetry
