// SPDX-License-Identifier: MPL-2.0

// Package benchmark provides benchmarks for the hot paths of a packwire
// invocation, for profiling and PGO profile generation:
//   - configuration loading (CUE validation and viper merge)
//   - descriptor parsing and preparation
//   - event validation against action parameters
//   - result payload extraction
//
// Run them with:
//
//	go test -run '^$' -bench . -cpuprofile default.pgo ./internal/benchmark
package benchmark
