// Package vm implements the ASTC execution and compilation engine.
//
// This package contains:
//   - Stack/register hybrid bytecode interpreter with debug support
//   - Architecture registry and per-target native code generators
//   - Multi-level, strategy-aware bytecode optimizer
//   - Hot-spot tracker feeding adaptive recompilation
//   - Compilation backend with caching and single-flight compiles
package vm
