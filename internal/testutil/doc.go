// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helpers shared by packwire tests: file and
// directory fixtures that fail the test on error, local git repositories
// standing in for pack sources, and a semaphore bounding tests that start
// real containers.
package testutil
