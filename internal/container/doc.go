// SPDX-License-Identifier: MPL-2.0

// Package container drives the build and runtime containers through the
// docker or podman CLI.
//
// An Engine builds engine-specific argument lists; a ProcessRunner spawns
// them, streams stdout/stderr chunks to subscribers and buffers both channels.
// Lifecycle owns the single build container of a session (pull, start, stop,
// resume) behind a strict state machine, and AutoStarter layers on-demand
// start on top of it. Executor runs commands inside the session container or
// in a throwaway container and extracts the trailing JSON result payload.
//
// Only Linux containers are supported.
package container
