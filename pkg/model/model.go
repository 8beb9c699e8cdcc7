// Package model assembles the particle-flow networks: PFNet over the sparse
// LSH graph, PFNetDense over dense bin-local graphs and the element-wise
// DummyNet baseline. All models map a padded (batch, N, F) element tensor to
// per-element class probabilities, charge and momentum components.
//
// Parameters are owned by the model and only read during Forward; training
// stages are selected per call through ParamSet.Trainable.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/sanonone/pfgnn/pkg/core/parallel"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"github.com/sanonone/pfgnn/pkg/metrics"
	"gonum.org/v1/gonum/mat"
)

// eventFunc computes the output of event i.
type eventFunc func(ctx context.Context, i int, x *mat.Dense, mask []float64, rng *rand.Rand) (eventOutput, error)

// checkInput validates the raw input width.
func checkInput(model string, x *tensor.Batch, features int) error {
	_, _, f := x.Dims()
	if f != features {
		return fmt.Errorf("%s: %w: input has %d features, model expects %d", model, tensor.ErrShapeMismatch, f, features)
	}
	return nil
}

// observeMask records the padded fraction of every event.
func observeMask(mask [][]float64) {
	for _, m := range mask {
		if len(m) == 0 {
			continue
		}
		var padded int
		for _, v := range m {
			if v == 0 {
				padded++
			}
		}
		metrics.MaskedFraction.Observe(float64(padded) / float64(len(m)))
	}
}

// eventRNG returns the dropout source of event i.
func eventRNG(opts ForwardOptions, i int) *rand.Rand {
	return rand.New(rand.NewSource(opts.Seed + int64(i)))
}

// runEvents maps fn over the events of x and batches the results.
func runEvents(ctx context.Context, x *tensor.Batch, mask [][]float64, lanes int, opts ForwardOptions, fn eventFunc) (*Output, error) {
	if opts.Lanes > 0 {
		lanes = opts.Lanes
	}
	events, err := parallel.Map(ctx, lanes, x.Len(), func(ctx context.Context, i int) (eventOutput, error) {
		return fn(ctx, i, x.Event(i), mask[i], eventRNG(opts, i))
	})
	if err != nil {
		return nil, err
	}
	return collect(events)
}

// instrument wraps a forward pass with timing, error counting and debug logging.
func instrument(name string, x *tensor.Batch, forward func() (*Output, error)) (*Output, error) {
	start := time.Now()
	out, err := forward()
	elapsed := time.Since(start)
	metrics.ForwardDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		metrics.ForwardErrors.WithLabelValues(name).Inc()
		slog.Error("[Model] forward pass failed", "model", name, "error", err)
		return nil, err
	}
	b, n, f := x.Dims()
	slog.Debug("[Model] forward pass", "model", name, "batch", b, "elements", n, "features", f, "duration", elapsed)
	return out, nil
}
