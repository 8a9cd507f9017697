// Package engine is the WebAssembly compiler the shim precompiles and runs
// guests with.
//
// It wraps wazero behind the Compiler interface, which exposes exactly three
// operations to the rest of the shim:
//
//	DetectPrecompiled   - is this an artifact from an identically configured engine?
//	PrecompileComponent - compile a component for this host
//	CompatibilityHash   - what configuration do artifacts depend on?
//
// # Artifacts
//
// wazero does not expose serialized native code, so an artifact is the
// component prefixed with a small header carrying the compatibility hash.
// Compiling it populates the engine's compilation cache, which every
// runtime created by the engine shares. When Config.CompilationCacheDir is
// set that cache lives on disk and later processes running the same
// artifact skip native code generation.
//
// # Thread Safety
//
// WazeroEngine is immutable after construction and safe for concurrent use.
package engine
