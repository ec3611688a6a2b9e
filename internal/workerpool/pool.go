// Package workerpool dispatches the CPU-bound primitives spec.md §5
// requires off the session's single-task I/O loop: SHA-1/SHA-256, RSA
// modular exponentiation, Pollard-Rho-Brent factorization, AES block
// operations, and 2048-bit random generation all run here instead of
// inline on a read/write goroutine.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool is a bounded CPU-bound task dispatcher. The zero value is not
// usable; construct with New. A Pool is a process-wide singleton in
// normal use (spec.md §5 "Shared resource"), constructed once and
// handed to every session.
type Pool struct {
	sem chan struct{}
}

// New returns a Pool accepting at most `workers` concurrent tasks.
// spec.md §5 suggests 3 as a representative bound.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: make(chan struct{}, workers)}
}

// Submit runs fn on the pool and returns its result, blocking the
// caller until a slot is free and fn completes. Cancelling ctx before
// a slot frees returns ctx.Err() without running fn.
func (p *Pool) Submit(ctx context.Context, fn func() (any, error)) (any, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	var result any
	var err error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		result, err = fn()
		return err
	})
	_ = gctx
	if waitErr := g.Wait(); waitErr != nil && err == nil {
		return nil, waitErr
	}
	return result, err
}

// SubmitAll runs each fn concurrently, each still subject to the
// pool's bound, and returns as soon as all complete or one fails.
// Used for batched independent work (e.g. the handshake's two DH
// modular exponentiations, auth_key and g_b, run at once).
func (p *Pool) SubmitAll(ctx context.Context, fns ...func() error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			select {
			case p.sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-p.sem }()
			return fn()
		})
	}
	return g.Wait()
}
