// Package distance provides the pairwise similarity kernels used to weight
// graph edges between elements that share an LSH bin.
//
// Three interchangeable kernels are supported: a Gaussian kernel over the
// Euclidean distance, a learned kernel that runs a small feed-forward network
// on every (src, dst) feature pair, and a sigmoid of the inner product. All
// kernels return an n×n similarity matrix for an n×d block of embeddings and
// clip the result to [clipLow, 1].
//
// Matrix products are delegated to gonum, which dispatches to its assembly
// kernels where the CPU supports them.
package distance

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/klauspost/cpuid/v2"
	"github.com/sanonone/pfgnn/pkg/core/nn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func init() {
	slog.Debug("[Compute] pairwise kernels: gonum BLAS",
		"cpu", cpuid.CPU.BrandName,
		"avx2", cpuid.CPU.Has(cpuid.AVX2),
		"fma3", cpuid.CPU.Has(cpuid.FMA3),
	)
}

// Kernel names a pairwise similarity function.
type Kernel string

const (
	// Gaussian is exp(-mult * euclidean_distance).
	Gaussian Kernel = "gaussian"
	// Learnable runs a feed-forward network over concatenated endpoint features.
	Learnable Kernel = "learnable"
	// Sigmoid is sigmoid(a·b).
	Sigmoid Kernel = "sigmoid"
)

// minSquaredDistance keeps sqrt away from zero and from small negative
// values produced by floating point cancellation.
const minSquaredDistance = 1e-6

// ErrUnknownKernel is returned when a kernel name is not in the catalog.
var ErrUnknownKernel = errors.New("unknown distance kernel")

// Options parameterize kernel construction.
type Options struct {
	// DistMult scales the distance inside the Gaussian kernel.
	DistMult float64
	// ClipLow is the lower clip bound applied to every similarity.
	ClipLow float64
	// Dim is the embedding width; required by the learnable kernel.
	Dim int
	// Hidden is the hidden width of the learnable kernel network. Default: 32.
	Hidden int
}

// Similarity computes an n×n similarity matrix for an n×d embedding block.
type Similarity interface {
	Kernel() Kernel
	Pairwise(x *mat.Dense) (*mat.Dense, error)
	Params(group string) []nn.Param
}

// kernelCatalog maps each kernel to its constructor.
var kernelCatalog = map[Kernel]func(name string, opts Options, rng *rand.Rand) (Similarity, error){
	Gaussian: func(_ string, opts Options, _ *rand.Rand) (Similarity, error) {
		return &gaussianKernel{mult: opts.DistMult, clipLow: opts.ClipLow}, nil
	},
	Sigmoid: func(_ string, opts Options, _ *rand.Rand) (Similarity, error) {
		return &sigmoidKernel{clipLow: opts.ClipLow}, nil
	},
	Learnable: newLearnableKernel,
}

// ParseKernel validates a kernel name.
func ParseKernel(name string) (Kernel, error) {
	k := Kernel(name)
	if _, ok := kernelCatalog[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKernel, name)
	}
	return k, nil
}

// GetKernel returns a ready-to-use similarity for k. It returns an error if
// the kernel is not supported or its options are invalid.
func GetKernel(name string, k Kernel, opts Options, rng *rand.Rand) (Similarity, error) {
	ctor, ok := kernelCatalog[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKernel, k)
	}
	return ctor(name, opts, rng)
}

// PairwiseEuclidean returns D[i][j] = ||a_i - b_j|| computed as
// sqrt(max(|a_i|² - 2 a_i·b_j + |b_j|², 1e-6)).
func PairwiseEuclidean(a, b *mat.Dense) *mat.Dense {
	ra, _ := a.Dims()
	rb, _ := b.Dims()
	na := rowSquaredNorms(a)
	nb := rowSquaredNorms(b)

	var d mat.Dense
	d.Mul(a, b.T())
	for i := 0; i < ra; i++ {
		row := d.RawRowView(i)
		for j := 0; j < rb; j++ {
			row[j] = math.Sqrt(math.Max(na[i]-2*row[j]+nb[j], minSquaredDistance))
		}
	}
	return &d
}

func rowSquaredNorms(m *mat.Dense) []float64 {
	r, _ := m.Dims()
	out := make([]float64, r)
	for i := range out {
		row := m.RawRowView(i)
		out[i] = floats.Dot(row, row)
	}
	return out
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// --- Gaussian ---

type gaussianKernel struct {
	mult    float64
	clipLow float64
}

func (g *gaussianKernel) Kernel() Kernel { return Gaussian }

func (g *gaussianKernel) Params(string) []nn.Param { return nil }

func (g *gaussianKernel) Pairwise(x *mat.Dense) (*mat.Dense, error) {
	d := PairwiseEuclidean(x, x)
	d.Apply(func(_, _ int, v float64) float64 {
		return clip(math.Exp(-g.mult*v), g.clipLow, 1)
	}, d)
	return d, nil
}

// --- Sigmoid ---

type sigmoidKernel struct {
	clipLow float64
}

func (s *sigmoidKernel) Kernel() Kernel { return Sigmoid }

func (s *sigmoidKernel) Params(string) []nn.Param { return nil }

func (s *sigmoidKernel) Pairwise(x *mat.Dense) (*mat.Dense, error) {
	var d mat.Dense
	d.Mul(x, x.T())
	d.Apply(func(_, _ int, v float64) float64 {
		return clip(nn.SigmoidScalar(v), s.clipLow, 1)
	}, &d)
	return &d, nil
}

// --- Learnable ---

type learnableKernel struct {
	ffn     *nn.FFN
	clipLow float64
}

func newLearnableKernel(name string, opts Options, rng *rand.Rand) (Similarity, error) {
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("learnable kernel: embedding width must be positive, got %d", opts.Dim)
	}
	hidden := opts.Hidden
	if hidden <= 0 {
		hidden = 32
	}
	ffn, err := nn.NewFFN(name+"/ffn_dist", 2*opts.Dim, hidden, hidden, 2, nn.ELU, rng)
	if err != nil {
		return nil, err
	}
	return &learnableKernel{ffn: ffn, clipLow: opts.ClipLow}, nil
}

func (l *learnableKernel) Kernel() Kernel { return Learnable }

func (l *learnableKernel) Params(group string) []nn.Param { return l.ffn.Params(group) }

// Pairwise stacks every (x_i, x_j) pair into one row and runs the network once
// over all n² rows. Each pair's similarity is the ELU of the mean of its output
// channels, clipped to [clipLow, 1].
func (l *learnableKernel) Pairwise(x *mat.Dense) (*mat.Dense, error) {
	n, d := x.Dims()
	pairs := mat.NewDense(n*n, 2*d, nil)
	for i := 0; i < n; i++ {
		xi := x.RawRowView(i)
		for j := 0; j < n; j++ {
			row := pairs.RawRowView(i*n + j)
			copy(row[:d], xi)
			copy(row[d:], x.RawRowView(j))
		}
	}
	out, err := l.ffn.Forward(pairs)
	if err != nil {
		return nil, fmt.Errorf("learnable kernel: %w", err)
	}
	_, c := out.Dims()
	sim := mat.NewDense(n, n, nil)
	elu := nn.ELU.Func()
	for i := 0; i < n; i++ {
		row := sim.RawRowView(i)
		for j := range row {
			row[j] = clip(elu(floats.Sum(out.RawRowView(i*n+j))/float64(c)), l.clipLow, 1)
		}
	}
	return sim, nil
}
