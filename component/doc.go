// Package component decodes the parts of a WebAssembly component needed to
// link its core modules: the embedded modules, the core instance section
// and the core index spaces that aliases and canonical definitions build.
//
// Component-level types, instances and exports are skipped. A component
// whose core instances only wire core modules to each other, or to
// wasi_snapshot_preview1, can be planned with Plan; one that routes
// component imports into its core modules through canon lower cannot.
package component
