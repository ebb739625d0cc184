// SPDX-License-Identifier: MPL-2.0

// Package packs fetches StackStorm pack sources into the workspace and reads
// their action and config metadata.
package packs
