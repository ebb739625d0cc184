// SPDX-License-Identifier: MPL-2.0

// Package provision installs Python dependencies into the workspace through
// the build container.
//
// Shared dependencies go to the deps/ prefix once; every pack gets its own
// prefix under virtualenvs/<pack>. Whether a prefix is installed is always
// read from the host side of the bind mount, so repeated runs skip finished
// work even across process restarts:
//
//	p := provision.New(layout, executor, cfg, provision.WithSessionProvider(autoStarter))
//	report, err := p.InstallAllPackageDeps(ctx, nil, false)
//
// Bulk installs run with bounded concurrency. By default the first failure
// stops new packs from starting while in-flight installs finish; with
// ContinueOnError every failure is collected.
package provision
