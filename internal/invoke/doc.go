// SPDX-License-Identifier: MPL-2.0

// Package invoke runs a prepared function once inside the runtime image, the
// way the serverless platform would, and decodes its result payload.
package invoke
