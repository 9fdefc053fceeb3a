// Package cmd implements the command-line interface for the willow
// cache engine. It provides a small command hierarchy for inspecting the
// build and load-testing the engine.
//
// The package is organized into several subpackages:
//
//   - bench: Commands for benchmarking the cache engine under load
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See willow -help for a list of all commands.
package cmd
