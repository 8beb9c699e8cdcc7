// Package lsh splits a set of element embeddings into equal-size bins using
// random-rotation locality sensitive hashing.
//
// A fixed random matrix R of shape (dim, maxBins/2) projects each embedding;
// the projection is concatenated with its negation to score nbins hash
// buckets from nbins/2 random directions. Each element takes the bucket with
// the highest score, elements are stably sorted by bucket and the sorted order
// is cut into nbins contiguous chunks of binSize elements. The chunks are the
// bins: they are always balanced, even when the hash buckets are not.
//
// Bins are recomputed on every call since they depend on the current embeddings.
package lsh

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNotDivisible is returned when the element count is not a multiple of the bin size.
	ErrNotDivisible = errors.New("number of elements is not divisible by bin size")
	// ErrTooManyBins is returned when the input needs more bins than the codebook holds.
	ErrTooManyBins = errors.New("input requires more bins than the codebook supports")
	// ErrNotPermutation is returned when bins do not cover every index exactly once.
	ErrNotPermutation = errors.New("bins are not a permutation of element indices")
)

// MaskPolicy controls how padded elements are hashed.
type MaskPolicy string

const (
	// MaskIgnore hashes padded elements like any other element.
	MaskIgnore MaskPolicy = "ignore"
	// MaskOverflow shifts padded elements past every real bucket so they sort
	// into the trailing bins.
	MaskOverflow MaskPolicy = "overflow"
)

// ParseMaskPolicy validates a policy name. The empty string maps to MaskIgnore.
func ParseMaskPolicy(s string) (MaskPolicy, error) {
	switch MaskPolicy(s) {
	case "", MaskIgnore:
		return MaskIgnore, nil
	case MaskOverflow:
		return MaskOverflow, nil
	default:
		return "", fmt.Errorf("unknown mask policy %q", s)
	}
}

// Codebook holds the fixed random rotations. It is not trainable.
type Codebook struct {
	R       *mat.Dense // dim × maxBins/2
	maxBins int
}

// NewCodebook samples a (dim, maxBins/2) random-normal rotation matrix.
func NewCodebook(dim, maxBins int, rng *rand.Rand) (*Codebook, error) {
	if dim <= 0 || maxBins < 2 {
		return nil, fmt.Errorf("lsh codebook: need dim > 0 and maxBins >= 2, got %d and %d", dim, maxBins)
	}
	r := mat.NewDense(dim, maxBins/2, nil)
	r.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() * 0.05 }, r)
	return &Codebook{R: r, maxBins: maxBins}, nil
}

// MaxBins returns the number of bins the codebook can score.
func (c *Codebook) MaxBins() int { return c.maxBins }

// NumBins returns n / binSize, validating divisibility and the codebook limit.
func (c *Codebook) NumBins(n, binSize int) (int, error) {
	nbins, err := NumBins(n, binSize)
	if err != nil {
		return 0, err
	}
	if nbins/2 > c.maxBins/2 {
		return 0, fmt.Errorf("%w: %d bins needed, codebook has %d", ErrTooManyBins, nbins, c.maxBins)
	}
	return nbins, nil
}

// NumBins returns n / binSize or ErrNotDivisible.
func NumBins(n, binSize int) (int, error) {
	if binSize <= 0 {
		return 0, fmt.Errorf("bin size must be positive, got %d", binSize)
	}
	if n <= 0 || n%binSize != 0 {
		return 0, fmt.Errorf("%w: %d elements, bin size %d", ErrNotDivisible, n, binSize)
	}
	return n / binSize, nil
}

// Scores returns x·R[:, :nbins/2] concatenated with its negation, an n×(2·⌊nbins/2⌋) matrix.
// With a single bin there is nothing to score and nil is returned.
func (c *Codebook) Scores(x *mat.Dense, nbins int) (*mat.Dense, error) {
	_, d := x.Dims()
	dim, _ := c.R.Dims()
	if d != dim {
		return nil, fmt.Errorf("lsh scores: embedding width %d, codebook expects %d", d, dim)
	}
	half := nbins / 2
	if half == 0 {
		return nil, nil
	}
	var mul mat.Dense
	mul.Mul(x, c.R.Slice(0, dim, 0, half))
	n, _ := mul.Dims()
	out := mat.NewDense(n, 2*half, nil)
	for i := 0; i < n; i++ {
		src, dst := mul.RawRowView(i), out.RawRowView(i)
		copy(dst, src)
		for j, v := range src {
			dst[half+j] = -v
		}
	}
	return out, nil
}

// Bin hashes x and splits it into bins of binSize. mask may be nil; when it is
// given, padded elements are pushed to the trailing bins.
func (c *Codebook) Bin(x *mat.Dense, binSize int, mask []float64) (Bins, error) {
	n, _ := x.Dims()
	nbins, err := c.NumBins(n, binSize)
	if err != nil {
		return nil, err
	}
	scores, err := c.Scores(x, nbins)
	if err != nil {
		return nil, err
	}
	return Assign(scores, n, nbins, binSize, mask)
}

// Assign turns bucket scores into balanced bins. Each element's bucket is the
// arg-max of its score row (0 when scores is nil); masked elements get
// nbins-1 added to their bucket. The stable arg-sort of buckets is cut into
// nbins rows of binSize indices.
func Assign(scores *mat.Dense, n, nbins, binSize int, mask []float64) (Bins, error) {
	if nbins*binSize != n {
		return nil, fmt.Errorf("%w: %d bins of %d for %d elements", ErrNotDivisible, nbins, binSize, n)
	}
	if mask != nil && len(mask) != n {
		return nil, fmt.Errorf("lsh assign: mask length %d for %d elements", len(mask), n)
	}
	bucket := make([]int, n)
	if scores != nil {
		for i := 0; i < n; i++ {
			bucket[i] = floats.MaxIdx(scores.RawRowView(i))
		}
	}
	if mask != nil {
		for i, m := range mask {
			if m == 0 {
				bucket[i] += nbins - 1
			}
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return bucket[order[a]] < bucket[order[b]] })

	bins := make(Bins, nbins)
	for b := range bins {
		bins[b] = order[b*binSize : (b+1)*binSize]
	}
	return bins, nil
}

// Bins is a partition of element indices into equal-size groups, [bin][slot] → element.
type Bins [][]int

// NumBins returns the number of bins.
func (b Bins) NumBins() int { return len(b) }

// BinSize returns the number of elements per bin.
func (b Bins) BinSize() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// Flat returns the bins concatenated in order.
func (b Bins) Flat() []int {
	out := make([]int, 0, len(b)*b.BinSize())
	for _, bin := range b {
		out = append(out, bin...)
	}
	return out
}

// Validate checks that the bins are a permutation of [0, n).
func (b Bins) Validate(n int) error {
	seen := make([]bool, n)
	count := 0
	for bi, bin := range b {
		if len(bin) != b.BinSize() {
			return fmt.Errorf("%w: bin %d has %d elements, want %d", ErrNotPermutation, bi, len(bin), b.BinSize())
		}
		for _, idx := range bin {
			if idx < 0 || idx >= n {
				return fmt.Errorf("%w: index %d out of range [0, %d)", ErrNotPermutation, idx, n)
			}
			if seen[idx] {
				return fmt.Errorf("%w: index %d repeated", ErrNotPermutation, idx)
			}
			seen[idx] = true
			count++
		}
	}
	if count != n {
		return fmt.Errorf("%w: covers %d of %d indices", ErrNotPermutation, count, n)
	}
	return nil
}

// Inverse returns pos such that Flat()[pos[i]] == i.
func (b Bins) Inverse() []int {
	flat := b.Flat()
	pos := make([]int, len(flat))
	for k, i := range flat {
		pos[i] = k
	}
	return pos
}
