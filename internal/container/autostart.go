// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrImageNotPresent is returned when pulling is disabled and the image is not available locally.
var ErrImageNotPresent = errors.New("image not present locally")

type (
	// AutoStarterOption configures an AutoStarter.
	AutoStarterOption func(*AutoStarter)

	// AutoStarter returns the running session of a Lifecycle, starting one
	// on first use. The strict Lifecycle never starts anything implicitly.
	AutoStarter struct {
		lifecycle *Lifecycle
		image     ImageRef
		workspace VolumeMount
		pull      bool

		mu      sync.Mutex
		started bool
	}
)

// WithPull pulls the image before an implicit start.
func WithPull(pull bool) AutoStarterOption {
	return func(a *AutoStarter) {
		a.pull = pull
	}
}

// NewAutoStarter creates an auto-starter for image with workspace mounted.
func NewAutoStarter(lifecycle *Lifecycle, image ImageRef, workspace VolumeMount, opts ...AutoStarterOption) *AutoStarter {
	a := &AutoStarter{
		lifecycle: lifecycle,
		image:     image,
		workspace: workspace,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ensure returns the running session, starting (and optionally pulling) one
// when none exists. Without pulling, a missing image fails before any
// container is created. Concurrent callers share a single start.
func (a *AutoStarter) Ensure(ctx context.Context) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.lifecycle.Active(); ok {
		return &s, nil
	}

	if a.pull {
		if err := a.lifecycle.EnsureImage(ctx, a.image); err != nil {
			return nil, err
		}
	} else {
		present, err := a.lifecycle.Engine().ImageExists(ctx, a.image)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, fmt.Errorf("%w: %s", ErrImageNotPresent, a.image)
		}
	}

	s, err := a.lifecycle.Start(ctx, a.image, a.workspace)
	if err != nil {
		return nil, err
	}
	a.started = true
	return s, nil
}

// Started reports whether Ensure started the current session.
func (a *AutoStarter) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// Release stops the session if this auto-starter started it. Sessions
// started elsewhere are left running.
func (a *AutoStarter) Release(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false
	return a.lifecycle.StopBestEffort(ctx)
}

// Lifecycle returns the wrapped lifecycle.
func (a *AutoStarter) Lifecycle() *Lifecycle {
	return a.lifecycle
}
