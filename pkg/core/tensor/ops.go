package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MaskRows multiplies each row i of m by mask[i] in place.
func MaskRows(m *mat.Dense, mask []float64) error {
	r, _ := m.Dims()
	if len(mask) != r {
		return fmt.Errorf("%w: mask length %d for %d rows", ErrShapeMismatch, len(mask), r)
	}
	for i := 0; i < r; i++ {
		switch mask[i] {
		case 1:
		case 0:
			row := m.RawRowView(i)
			for j := range row {
				row[j] = 0
			}
		default:
			floats.Scale(mask[i], m.RawRowView(i))
		}
	}
	return nil
}

// ConcatCols joins matrices with the same number of rows side by side.
func ConcatCols(ms ...*mat.Dense) *mat.Dense {
	r, _ := ms[0].Dims()
	width := 0
	for _, m := range ms {
		_, c := m.Dims()
		width += c
	}
	out := mat.NewDense(r, width, nil)
	for i := 0; i < r; i++ {
		dst := out.RawRowView(i)
		off := 0
		for _, m := range ms {
			off += copy(dst[off:], m.RawRowView(i))
		}
	}
	return out
}

// MaskedMean returns the column means of m over rows whose mask is non-zero.
// With no valid rows the result is all zeros.
func MaskedMean(m *mat.Dense, mask []float64) []float64 {
	r, c := m.Dims()
	mean := make([]float64, c)
	var count float64
	for i := 0; i < r; i++ {
		if mask[i] == 0 {
			continue
		}
		floats.AddScaled(mean, mask[i], m.RawRowView(i))
		count += mask[i]
	}
	if count > 0 {
		floats.Scale(1/count, mean)
	}
	return mean
}

// Broadcast tiles a row vector into an n×len(row) matrix.
func Broadcast(row []float64, n int) *mat.Dense {
	out := mat.NewDense(n, len(row), nil)
	for i := 0; i < n; i++ {
		out.SetRow(i, row)
	}
	return out
}

// Clip bounds every entry of m to [lo, hi] in place.
func Clip(m *mat.Dense, lo, hi float64) {
	m.Apply(func(_, _ int, v float64) float64 {
		return math.Max(lo, math.Min(hi, v))
	}, m)
}

// RowSoftmax applies a numerically stable softmax to each row in place.
func RowSoftmax(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		mx := floats.Max(row)
		var sum float64
		for j, v := range row {
			row[j] = math.Exp(v - mx)
			sum += row[j]
		}
		floats.Scale(1/sum, row)
	}
}

// GatherRows returns a new matrix whose k-th row is m's row idx[k].
func GatherRows(m *mat.Dense, idx []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for k, i := range idx {
		copy(out.RawRowView(k), m.RawRowView(i))
	}
	return out
}
