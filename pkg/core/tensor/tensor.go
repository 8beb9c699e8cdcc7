// Package tensor provides the batched element-set container used across the
// model: a (batch, N, F) block of float64 values stored as one gonum dense
// matrix per event.
//
// Element validity is carried by feature 0 of the raw input: a non-zero type
// index marks a real element, zero marks padding. Helpers in this package
// compute that mask and apply it so padded rows never leak into outputs.
package tensor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShapeMismatch is returned when tensors that must agree on a dimension do not.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrEmpty is returned when a tensor would have a zero-sized dimension.
	ErrEmpty = errors.New("tensor dimensions must be positive")
)

// Batch is a (batch, N, F) tensor. Every event holds an N×F matrix.
type Batch struct {
	events []*mat.Dense
	n, f   int
}

// New allocates a zero-filled batch.
func New(b, n, f int) (*Batch, error) {
	if b <= 0 || n <= 0 || f <= 0 {
		return nil, fmt.Errorf("%w: got (%d, %d, %d)", ErrEmpty, b, n, f)
	}
	events := make([]*mat.Dense, b)
	for i := range events {
		events[i] = mat.NewDense(n, f, nil)
	}
	return &Batch{events: events, n: n, f: f}, nil
}

// FromEvents wraps existing per-event matrices. All events must share the same shape.
// The matrices are not copied.
func FromEvents(events []*mat.Dense) (*Batch, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events", ErrEmpty)
	}
	n, f := events[0].Dims()
	for i, ev := range events {
		r, c := ev.Dims()
		if r != n || c != f {
			return nil, fmt.Errorf("%w: event %d is %dx%d, want %dx%d", ErrShapeMismatch, i, r, c, n, f)
		}
	}
	return &Batch{events: events, n: n, f: f}, nil
}

// FromSlices builds a batch from nested slices indexed [event][element][feature].
func FromSlices(data [][][]float64) (*Batch, error) {
	if len(data) == 0 || len(data[0]) == 0 || len(data[0][0]) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrEmpty)
	}
	n, f := len(data[0]), len(data[0][0])
	events := make([]*mat.Dense, len(data))
	for b, ev := range data {
		if len(ev) != n {
			return nil, fmt.Errorf("%w: event %d has %d elements, want %d", ErrShapeMismatch, b, len(ev), n)
		}
		m := mat.NewDense(n, f, nil)
		for i, row := range ev {
			if len(row) != f {
				return nil, fmt.Errorf("%w: event %d element %d has %d features, want %d", ErrShapeMismatch, b, i, len(row), f)
			}
			m.SetRow(i, row)
		}
		events[b] = m
	}
	return &Batch{events: events, n: n, f: f}, nil
}

// Dims returns (batch, N, F).
func (t *Batch) Dims() (int, int, int) {
	return len(t.events), t.n, t.f
}

// Len returns the number of events.
func (t *Batch) Len() int { return len(t.events) }

// Event returns the N×F matrix of event i. The matrix is shared, not copied.
func (t *Batch) Event(i int) *mat.Dense { return t.events[i] }

// Events returns the underlying per-event matrices.
func (t *Batch) Events() []*mat.Dense { return t.events }

// At returns the value at (event, element, feature).
func (t *Batch) At(b, i, j int) float64 { return t.events[b].At(i, j) }

// Clone returns a deep copy.
func (t *Batch) Clone() *Batch {
	events := make([]*mat.Dense, len(t.events))
	for i, ev := range t.events {
		events[i] = mat.DenseCopyOf(ev)
	}
	return &Batch{events: events, n: t.n, f: t.f}
}

// Mask returns the per-event validity mask: 1 where feature 0 is non-zero, 0 otherwise.
func (t *Batch) Mask() [][]float64 {
	masks := make([][]float64, len(t.events))
	for b, ev := range t.events {
		m := make([]float64, t.n)
		for i := 0; i < t.n; i++ {
			if ev.At(i, 0) != 0 {
				m[i] = 1
			}
		}
		masks[b] = m
	}
	return masks
}

// ApplyMask zeroes, in place, every row whose mask value is zero and scales
// the others by the mask value.
func (t *Batch) ApplyMask(mask [][]float64) error {
	if len(mask) != len(t.events) {
		return fmt.Errorf("%w: mask has %d events, tensor has %d", ErrShapeMismatch, len(mask), len(t.events))
	}
	for b, ev := range t.events {
		if err := MaskRows(ev, mask[b]); err != nil {
			return fmt.Errorf("event %d: %w", b, err)
		}
	}
	return nil
}

// Slice returns a new batch holding feature columns [from, to).
func (t *Batch) Slice(from, to int) (*Batch, error) {
	if from < 0 || to > t.f || from >= to {
		return nil, fmt.Errorf("%w: feature slice [%d, %d) of width %d", ErrShapeMismatch, from, to, t.f)
	}
	events := make([]*mat.Dense, len(t.events))
	for b, ev := range t.events {
		events[b] = mat.DenseCopyOf(ev.Slice(0, t.n, from, to))
	}
	return &Batch{events: events, n: t.n, f: to - from}, nil
}

// Concat joins batches along the feature axis.
func Concat(parts ...*Batch) (*Batch, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrEmpty)
	}
	nb, n, _ := parts[0].Dims()
	for _, p := range parts[1:] {
		pb, pn, _ := p.Dims()
		if pb != nb || pn != n {
			return nil, fmt.Errorf("%w: cannot concatenate (%d, %d, *) with (%d, %d, *)", ErrShapeMismatch, nb, n, pb, pn)
		}
	}
	events := make([]*mat.Dense, nb)
	for b := range events {
		ms := make([]*mat.Dense, len(parts))
		for i, p := range parts {
			ms[i] = p.events[b]
		}
		events[b] = ConcatCols(ms...)
	}
	_, f := events[0].Dims()
	return &Batch{events: events, n: n, f: f}, nil
}

// Equal reports whether two batches have the same shape and all values
// agree within tol.
func Equal(a, b *Batch, tol float64) bool {
	ab, an, af := a.Dims()
	bb, bn, bf := b.Dims()
	if ab != bb || an != bn || af != bf {
		return false
	}
	for i := range a.events {
		if !mat.EqualApprox(a.events[i], b.events[i], tol) {
			return false
		}
	}
	return true
}
