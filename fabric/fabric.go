// Package fabric implements the SPMD collective layer spec.md §5
// describes: a fixed-size pool of ranks, no threads spawned within a
// rank, with collective operations (broadcast, reduce, all-gather)
// synchronizing across them. There is no real network in this module —
// SPMD here means goroutines standing in for ranks, which is an
// explicit, spec-sanctioned simplification (spec.md's Non-goals exclude
// a real distributed runtime) — but the fatal-error-propagation and
// bounded-parallelism disciplines are real. Grounded on the pack's
// errgroup/semaphore manifests: errgroup.Group gives every collective
// "any rank's fatal error cancels the others and is returned to the
// caller" for free (spec.md §5 "On fatal error, the coordinator
// surfaces it to all ranks"), and semaphore.Weighted bounds concurrent
// likelihood evaluation to P, the per-replica parallelism spec.md §5
// defines as R/(M*C).
package fabric

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds how many rank-goroutines may run concurrently, modelling
// the fixed-size rank pool of spec.md §5. A Pool is safe for concurrent
// collectives as long as callers size it once at startup and never
// resize it afterward (it is immutable in practice, like the
// temperature-ladder metadata it usually sits alongside).
type Pool struct {
	sem *semaphore.Weighted
	P   int64
}

// NewPool builds a Pool bounding concurrency to p (spec.md's per-replica
// parallelism P).
func NewPool(p int) *Pool {
	if p < 1 {
		p = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(p)), P: int64(p)}
}

// Broadcast runs apply(rank) for every rank in [0, n), bounded by the
// pool's P, propagating the first fatal error from any rank to every
// other still-running rank via errgroup's shared context. This models
// spec.md §5 suspension point (a): "broadcast of root-proposal to chain
// comm before likelihood".
func (p *Pool) Broadcast(ctx context.Context, n int, apply func(ctx context.Context, rank int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < n; r++ {
		r := r
		g.Go(func() error {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer p.sem.Release(1)
			return apply(gctx, r)
		})
	}
	return g.Wait()
}

// AllReduceSum evaluates f(rank) for every rank in [0, n) and sums the
// results, modelling spec.md §5 suspension point (b): "all-reduce /
// reduce of per-column likelihood contributions to a scalar on chain
// root".
func (p *Pool) AllReduceSum(ctx context.Context, n int, f func(ctx context.Context, rank int) (float64, error)) (float64, error) {
	g, gctx := errgroup.WithContext(ctx)
	partial := make([]float64, n)
	for r := 0; r < n; r++ {
		r := r
		g.Go(func() error {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer p.sem.Release(1)
			v, err := f(gctx, r)
			if err != nil {
				return err
			}
			partial[r] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	sum := 0.0
	for _, v := range partial {
		sum += v
	}
	return sum, nil
}

// AllGather evaluates f(rank) for every rank in [0, n) and concatenates
// each rank's segment in rank order, modelling spec.md §5 suspension
// point (c): "all-gather of residual segments back to every chain rank".
func (p *Pool) AllGather(ctx context.Context, n int, f func(ctx context.Context, rank int) ([]float64, error)) ([]float64, error) {
	g, gctx := errgroup.WithContext(ctx)
	segments := make([][]float64, n)
	for r := 0; r < n; r++ {
		r := r
		g.Go(func() error {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer p.sem.Release(1)
			seg, err := f(gctx, r)
			if err != nil {
				return err
			}
			segments[r] = seg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	total := 0
	for _, seg := range segments {
		total += len(seg)
	}
	out := make([]float64, 0, total)
	for _, seg := range segments {
		out = append(out, seg...)
	}
	return out, nil
}
