// SPDX-License-Identifier: MPL-2.0

// Package service loads the serverless deployment descriptor and rewrites the
// functions that reference StackStorm actions so they run through the
// adapter handler with the environment it expects.
package service
