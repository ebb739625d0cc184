// SPDX-License-Identifier: MPL-2.0

// Package workspace describes the ~st2 directory shared between the host and
// the build container: where packs, shared dependencies and per-pack prefixes
// live on each side of the bind mount, and the adapter shim files copied into
// it. All host filesystem access goes through an afero.Fs so callers can use
// an in-memory filesystem in tests.
package workspace
