// Package graph builds the per-forward-pass element graphs: the sparse top-k
// LSH graph, the dense bin-local graph and the scatter that undoes binning.
package graph

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShapeMismatch is returned when an operand does not match the adjacency size.
	ErrShapeMismatch = errors.New("graph: shape mismatch")
	// ErrInvalidNeighbors is returned when k is not in [1, binSize].
	ErrInvalidNeighbors = errors.New("graph: invalid neighbor count")
)

// Adjacency is a square weighted graph over the rows of a feature matrix.
type Adjacency interface {
	// Len returns the number of nodes.
	Len() int
	// Degrees returns the row sums of absolute edge weights.
	Degrees() []float64
	// Propagate returns A·m.
	Propagate(m *mat.Dense) (*mat.Dense, error)
}

// MeanIncoming averages adjacency-weighted messages over the valid nodes:
// out_i = Σ_j A_ij·mask_j·x_j / Σ_j mask_j. With no valid nodes the result is zero.
func MeanIncoming(adj Adjacency, x *mat.Dense, mask []float64) (*mat.Dense, error) {
	r, c := x.Dims()
	if r != adj.Len() || len(mask) != r {
		return nil, fmt.Errorf("%w: %d nodes, %d feature rows, %d mask entries", ErrShapeMismatch, adj.Len(), r, len(mask))
	}
	masked := mat.NewDense(r, c, nil)
	var count float64
	for i := 0; i < r; i++ {
		if mask[i] == 0 {
			continue
		}
		count += mask[i]
		dst, src := masked.RawRowView(i), x.RawRowView(i)
		for j, v := range src {
			dst[j] = v * mask[i]
		}
	}
	out, err := adj.Propagate(masked)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		out.Scale(1/count, out)
	}
	return out, nil
}

// DenseAdj wraps a square matrix, typically one bin of the dense builder.
type DenseAdj struct {
	M *mat.Dense
}

// Len returns the matrix size.
func (d DenseAdj) Len() int {
	r, _ := d.M.Dims()
	return r
}

// Degrees returns Σ_j |A_ij| per row.
func (d DenseAdj) Degrees() []float64 {
	r, _ := d.M.Dims()
	deg := make([]float64, r)
	for i := range deg {
		for _, v := range d.M.RawRowView(i) {
			deg[i] += math.Abs(v)
		}
	}
	return deg
}

// Propagate returns A·m.
func (d DenseAdj) Propagate(m *mat.Dense) (*mat.Dense, error) {
	r, _ := m.Dims()
	if r != d.Len() {
		return nil, fmt.Errorf("%w: %d rows for %d nodes", ErrShapeMismatch, r, d.Len())
	}
	var out mat.Dense
	out.Mul(d.M, m)
	return &out, nil
}

// Edge is one weighted directed edge of a batched sparse adjacency.
type Edge struct {
	Batch  int
	Src    int
	Dst    int
	Weight float64
}

// Sparse is a batched COO adjacency of shape (B, N, N).
type Sparse struct {
	B, N  int
	Edges []Edge
}

// NNZ returns the number of stored edges.
func (s *Sparse) NNZ() int { return len(s.Edges) }

// Reorder sorts edges by (batch, src, dst) and sums duplicate entries.
func (s *Sparse) Reorder() {
	sort.Slice(s.Edges, func(a, b int) bool {
		ea, eb := s.Edges[a], s.Edges[b]
		if ea.Batch != eb.Batch {
			return ea.Batch < eb.Batch
		}
		if ea.Src != eb.Src {
			return ea.Src < eb.Src
		}
		return ea.Dst < eb.Dst
	})
	out := s.Edges[:0]
	for _, e := range s.Edges {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Batch == e.Batch && last.Src == e.Src && last.Dst == e.Dst {
				last.Weight += e.Weight
				continue
			}
		}
		out = append(out, e)
	}
	s.Edges = out
}

// Event returns the adjacency of one batch entry. Edges must be reordered.
func (s *Sparse) Event(b int) *EventAdjacency {
	lo := sort.Search(len(s.Edges), func(i int) bool { return s.Edges[i].Batch >= b })
	hi := sort.Search(len(s.Edges), func(i int) bool { return s.Edges[i].Batch > b })
	return &EventAdjacency{n: s.N, edges: s.Edges[lo:hi]}
}

// ToDense materializes batch entry b as an N×N matrix.
func (s *Sparse) ToDense(b int) *mat.Dense {
	out := mat.NewDense(s.N, s.N, nil)
	for _, e := range s.Edges {
		if e.Batch == b {
			out.Set(e.Src, e.Dst, out.At(e.Src, e.Dst)+e.Weight)
		}
	}
	return out
}

// EventAdjacency is the sparse adjacency of a single event.
type EventAdjacency struct {
	n     int
	edges []Edge
}

// Len returns the number of nodes.
func (e *EventAdjacency) Len() int { return e.n }

// Edges returns the edges of the event.
func (e *EventAdjacency) Edges() []Edge { return e.edges }

// Degrees returns Σ_j |A_ij| per row.
func (e *EventAdjacency) Degrees() []float64 {
	deg := make([]float64, e.n)
	for _, ed := range e.edges {
		deg[ed.Src] += math.Abs(ed.Weight)
	}
	return deg
}

// Propagate returns A·m.
func (e *EventAdjacency) Propagate(m *mat.Dense) (*mat.Dense, error) {
	r, c := m.Dims()
	if r != e.n {
		return nil, fmt.Errorf("%w: %d rows for %d nodes", ErrShapeMismatch, r, e.n)
	}
	out := mat.NewDense(r, c, nil)
	for _, ed := range e.edges {
		dst := out.RawRowView(ed.Src)
		for j, v := range m.RawRowView(ed.Dst) {
			dst[j] += ed.Weight * v
		}
	}
	return out, nil
}
