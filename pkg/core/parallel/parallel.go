// Package parallel provides the batch-wise map used by the graph builders and
// convolution towers. Every event in a batch is processed independently in its
// own lane; results are returned ordered by event index regardless of the
// order in which lanes finish.
package parallel

import (
	"context"
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
)

// maxDefaultLanes caps the default concurrency.
const maxDefaultLanes = 4

// DefaultLanes returns the default number of concurrent lanes, derived from the
// number of physical cores reported by cpuid.
func DefaultLanes() int {
	cores := cpuid.CPU.PhysicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	if cores > maxDefaultLanes {
		cores = maxDefaultLanes
	}
	if cores < 1 {
		cores = 1
	}
	return cores
}

// Map runs fn for i in [0, n) on at most lanes goroutines and returns the
// results indexed by i. The first error cancels the remaining lanes and is
// returned wrapped with the failing index. lanes <= 0 selects DefaultLanes.
func Map[T any](ctx context.Context, lanes, n int, fn func(ctx context.Context, i int) (T, error)) ([]T, error) {
	if lanes <= 0 {
		lanes = DefaultLanes()
	}
	out := make([]T, n)
	if n == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lanes)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := fn(gctx, i)
			if err != nil {
				return fmt.Errorf("lane %d: %w", i, err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
