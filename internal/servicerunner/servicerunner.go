// Package servicerunner runs a set of long-running services until the context is canceled or one of them fails.
package servicerunner

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Service is a long-running function that returns when its context is canceled.
type Service func(ctx context.Context) error

// ServiceRunner oversees a set of services.
type ServiceRunner struct {
	services []Service
	running  atomic.Bool
}

// ErrAlreadyRunning is returned by Run when the runner is already running.
var ErrAlreadyRunning = errors.New("service runner is already running")

// NewServiceRunner returns a new ServiceRunner for the given services.
func NewServiceRunner(services ...Service) *ServiceRunner {
	return &ServiceRunner{
		services: services,
	}
}

// Run all services and block until they all return.
// When any service returns, including with a nil error, the context passed to the others is canceled.
// The returned error joins the errors of all services that failed.
func (r *ServiceRunner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	// The group's context is canceled when a service fails; cancel covers services that return cleanly
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(ctx)

	errs := make([]error, len(r.services))
	for i, svc := range r.services {
		eg.Go(func() error {
			defer cancel()
			errs[i] = svc(egCtx)
			return errs[i]
		})
	}

	// Wait reports only the first error, so collect all the others too
	if eg.Wait() == nil {
		return nil
	}
	return errors.Join(errs...)
}
