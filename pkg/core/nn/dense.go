package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a named model parameter. Group is the top-level layer the parameter
// belongs to; Frozen parameters (e.g. the LSH codebook) are never handed to an
// optimizer but are still persisted in snapshots.
type Param struct {
	Name   string
	Group  string
	Value  *mat.Dense
	Frozen bool
}

// InitRandomNormal fills m with N(0, stddev²) samples.
func InitRandomNormal(m *mat.Dense, stddev float64, rng *rand.Rand) {
	m.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() * stddev }, m)
}

// InitGlorotUniform fills m with U(-l, l), l = sqrt(6 / (fanIn + fanOut)).
func InitGlorotUniform(m *mat.Dense, rng *rand.Rand) {
	fanIn, fanOut := m.Dims()
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	m.Apply(func(_, _ int, _ float64) float64 { return (2*rng.Float64() - 1) * limit }, m)
}

// Dense is a fully connected layer y = act(x·W + b).
type Dense struct {
	name       string
	W          *mat.Dense // in × out
	B          *mat.Dense // 1 × out
	activation Activation
}

// NewDense creates a dense layer with Glorot-uniform kernel and zero bias.
func NewDense(name string, in, out int, act Activation, rng *rand.Rand) (*Dense, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("dense %q: dimensions must be positive, got %d -> %d", name, in, out)
	}
	w := mat.NewDense(in, out, nil)
	InitGlorotUniform(w, rng)
	return &Dense{
		name:       name,
		W:          w,
		B:          mat.NewDense(1, out, nil),
		activation: act,
	}, nil
}

// In returns the input width.
func (d *Dense) In() int {
	r, _ := d.W.Dims()
	return r
}

// Out returns the output width.
func (d *Dense) Out() int {
	_, c := d.W.Dims()
	return c
}

// Forward computes act(x·W + b) for every row of x.
func (d *Dense) Forward(x *mat.Dense) (*mat.Dense, error) {
	_, c := x.Dims()
	if c != d.In() {
		return nil, fmt.Errorf("dense %q: input width %d, want %d", d.name, c, d.In())
	}
	out := Affine(x, d.W, d.B)
	d.activation.Apply(out)
	return out, nil
}

// Params returns the kernel and bias.
func (d *Dense) Params(group string) []Param {
	return []Param{
		{Name: d.name + "/kernel", Group: group, Value: d.W},
		{Name: d.name + "/bias", Group: group, Value: d.B},
	}
}

// Affine returns x·w + b with b broadcast over rows. b may be nil.
func Affine(x, w, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(x, w)
	if b != nil {
		bias := b.RawRowView(0)
		r, _ := out.Dims()
		for i := 0; i < r; i++ {
			row := out.RawRowView(i)
			for j := range row {
				row[j] += bias[j]
			}
		}
	}
	return &out
}
