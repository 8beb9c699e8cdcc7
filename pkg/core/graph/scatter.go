package graph

import (
	"fmt"

	"github.com/sanonone/pfgnn/pkg/core/lsh"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"gonum.org/v1/gonum/mat"
)

// Gather splits the rows of x into per-bin blocks: block b, row s is x[bins[b][s]].
func Gather(bins lsh.Bins, x *mat.Dense) ([]*mat.Dense, error) {
	n, _ := x.Dims()
	if err := bins.Validate(n); err != nil {
		return nil, err
	}
	out := make([]*mat.Dense, len(bins))
	for b, bin := range bins {
		out[b] = tensor.GatherRows(x, bin)
	}
	return out, nil
}

// GatherMask returns the mask reordered into bins.
func GatherMask(bins lsh.Bins, mask []float64) [][]float64 {
	out := make([][]float64, len(bins))
	for b, bin := range bins {
		out[b] = make([]float64, len(bin))
		for s, idx := range bin {
			out[b][s] = mask[idx]
		}
	}
	return out
}

// ReverseLSH scatters bin-local rows back to their original element order,
// so that ReverseLSH(bins, Gather(bins, x)) equals x.
func ReverseLSH(bins lsh.Bins, binned []*mat.Dense) (*mat.Dense, error) {
	if len(binned) != bins.NumBins() || len(binned) == 0 {
		return nil, fmt.Errorf("%w: %d binned blocks for %d bins", ErrShapeMismatch, len(binned), bins.NumBins())
	}
	n := bins.NumBins() * bins.BinSize()
	if err := bins.Validate(n); err != nil {
		return nil, err
	}
	_, c := binned[0].Dims()
	out := mat.NewDense(n, c, nil)
	for b, bin := range bins {
		r, bc := binned[b].Dims()
		if r != len(bin) || bc != c {
			return nil, fmt.Errorf("%w: block %d is %dx%d, want %dx%d", ErrShapeMismatch, b, r, bc, len(bin), c)
		}
		for s, idx := range bin {
			copy(out.RawRowView(idx), binned[b].RawRowView(s))
		}
	}
	return out, nil
}
