// SPDX-License-Identifier: MPL-2.0

// Package index reads the StackStorm Exchange pack index. A Client fetches
// the index document once and serves every later lookup from memory until
// Reset is called.
package index
