// Package errors provides structured error types for the shim engine.
//
// Errors are categorized by Phase (which step of the container lifecycle
// failed) and Kind (error category). The Error type carries the subject the
// failure is about (a trigger kind, a variable name, a layer digest), a
// human-readable detail and an optional cause.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseBind, errors.KindUnsetVariable).
//		Subject("api_key").
//		Detail("set %s or declare a default", "SPIN_VARIABLE_API_KEY").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotFound(errors.PhaseResolve, "layer", "sha256:...")
//	err := errors.Wrap(errors.PhasePrecompile, errors.KindCompile, cause, "layer 0")
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
