// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the packwire CLI.
//
// The command tree is built per App so tests can run commands in-process
// against fake engines, index servers and git repositories.
package cmd
