// SPDX-License-Identifier: MPL-2.0

// Package cueutil formats CUE validation failures for users and guards CUE
// inputs against oversized files.
package cueutil
