// Package wasm inspects WebAssembly binaries at the preamble and section
// level.
//
// It distinguishes core modules from components, splits a binary into its
// top-level sections, wraps a core module into a single-module component
// (componentization) and extracts the core module back out of such a
// component for execution on a core-module runtime.
//
// Section contents are never decoded; validation is left to the compiler.
package wasm
