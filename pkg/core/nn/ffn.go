package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// FFN is a point-wise feed-forward stack: numLayers hidden dense layers of
// width hidden with the given activation, followed by a linear projection to out.
type FFN struct {
	name   string
	layers []*Dense
}

// NewFFN builds the stack. numLayers may be zero, which leaves a single linear layer.
func NewFFN(name string, in, out, hidden, numLayers int, act Activation, rng *rand.Rand) (*FFN, error) {
	if numLayers < 0 {
		return nil, fmt.Errorf("ffn %q: negative layer count %d", name, numLayers)
	}
	f := &FFN{name: name}
	width := in
	for i := 0; i < numLayers; i++ {
		d, err := NewDense(fmt.Sprintf("%s/dense_%d", name, i), width, hidden, act, rng)
		if err != nil {
			return nil, err
		}
		f.layers = append(f.layers, d)
		width = hidden
	}
	d, err := NewDense(fmt.Sprintf("%s/dense_%d", name, numLayers), width, out, Linear, rng)
	if err != nil {
		return nil, err
	}
	f.layers = append(f.layers, d)
	return f, nil
}

// Name returns the layer name.
func (f *FFN) Name() string { return f.name }

// In returns the input width.
func (f *FFN) In() int { return f.layers[0].In() }

// Out returns the output width.
func (f *FFN) Out() int { return f.layers[len(f.layers)-1].Out() }

// Forward runs x through every layer.
func (f *FFN) Forward(x *mat.Dense) (*mat.Dense, error) {
	var err error
	for _, l := range f.layers {
		if x, err = l.Forward(x); err != nil {
			return nil, fmt.Errorf("ffn %q: %w", f.name, err)
		}
	}
	return x, nil
}

// Params returns the parameters of all layers, tagged with group.
func (f *FFN) Params(group string) []Param {
	var ps []Param
	for _, l := range f.layers {
		ps = append(ps, l.Params(group)...)
	}
	return ps
}

// LayerNorm normalizes each row to zero mean and unit variance, then applies
// a learned scale and shift.
type LayerNorm struct {
	name    string
	Gamma   *mat.Dense // 1 × dim
	Beta    *mat.Dense // 1 × dim
	epsilon float64
}

// NewLayerNorm creates a layer norm with unit scale and zero shift.
func NewLayerNorm(name string, dim int) *LayerNorm {
	gamma := mat.NewDense(1, dim, nil)
	for j := 0; j < dim; j++ {
		gamma.Set(0, j, 1)
	}
	return &LayerNorm{name: name, Gamma: gamma, Beta: mat.NewDense(1, dim, nil), epsilon: 1e-6}
}

// Forward returns the normalized copy of x.
func (ln *LayerNorm) Forward(x *mat.Dense) (*mat.Dense, error) {
	r, c := x.Dims()
	if _, dim := ln.Gamma.Dims(); dim != c {
		return nil, fmt.Errorf("layernorm %q: input width %d, want %d", ln.name, c, dim)
	}
	out := mat.NewDense(r, c, nil)
	gamma, beta := ln.Gamma.RawRowView(0), ln.Beta.RawRowView(0)
	for i := 0; i < r; i++ {
		src, dst := x.RawRowView(i), out.RawRowView(i)
		var mean, variance float64
		for _, v := range src {
			mean += v
		}
		mean /= float64(c)
		for _, v := range src {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(c)
		inv := 1 / math.Sqrt(variance+ln.epsilon)
		for j, v := range src {
			dst[j] = (v-mean)*inv*gamma[j] + beta[j]
		}
	}
	return out, nil
}

// Params returns gamma and beta.
func (ln *LayerNorm) Params(group string) []Param {
	return []Param{
		{Name: ln.name + "/gamma", Group: group, Value: ln.Gamma},
		{Name: ln.name + "/beta", Group: group, Value: ln.Beta},
	}
}

// Dropout zeroes entries with probability Rate during training and rescales
// the survivors by 1/(1-Rate). It is the identity at inference.
type Dropout struct {
	Rate float64
}

// Apply runs dropout in place when training is set.
func (d Dropout) Apply(m *mat.Dense, training bool, rng *rand.Rand) {
	if !training || d.Rate <= 0 {
		return
	}
	keep := 1 - d.Rate
	m.Apply(func(_, _ int, v float64) float64 {
		if rng.Float64() < d.Rate {
			return 0
		}
		return v / keep
	}, m)
}
