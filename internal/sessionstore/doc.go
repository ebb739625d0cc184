// SPDX-License-Identifier: MPL-2.0

// Package sessionstore persists build container sessions in a SQLite
// database inside the workspace, so a container started by one packwire
// invocation can be reused, listed or cleaned up by a later one.
package sessionstore
