package conv

import (
	"math"
	"math/rand"

	"github.com/sanonone/pfgnn/pkg/core/graph"
	"github.com/sanonone/pfgnn/pkg/core/nn"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"gonum.org/v1/gonum/mat"
)

const (
	degreeEpsilon = 1e-6
	maxDegree     = 1000
)

// gated blends a graph-propagated ("homogeneous") projection and a self
// ("heterogeneous") projection through a per-node sigmoid gate:
//
//	gate = sigmoid(x·W_t + b_t)
//	hom  = N·A·N·(x·Θ),  N = diag((deg+ε)^-1/2)
//	het  = x·W_h
//	out  = act(gate⊙hom + (1-gate)⊙het) ⊙ mask
type gated struct {
	name       string
	dense      bool
	normalize  bool
	activation nn.Activation

	Wt    *mat.Dense // in × out
	Bt    *mat.Dense // 1 × out
	Wh    *mat.Dense // in × out
	Theta *mat.Dense // in × out
}

func newGated(name string, cfg Config, dense bool, rng *rand.Rand) *gated {
	g := &gated{
		name:       name,
		dense:      dense,
		normalize:  !dense || cfg.NormalizeDegrees,
		activation: cfg.Activation,
		Wt:         mat.NewDense(cfg.InputDim, cfg.OutputDim, nil),
		Bt:         mat.NewDense(1, cfg.OutputDim, nil),
		Wh:         mat.NewDense(cfg.InputDim, cfg.OutputDim, nil),
		Theta:      mat.NewDense(cfg.InputDim, cfg.OutputDim, nil),
	}
	for _, m := range []*mat.Dense{g.Wt, g.Bt, g.Wh, g.Theta} {
		nn.InitRandomNormal(m, 0.05, rng)
	}
	return g
}

func (g *gated) Kind() Kind {
	if g.dense {
		return GHConvDense
	}
	return GHConv
}

func (g *gated) OutputDim() int {
	_, c := g.Wt.Dims()
	return c
}

func (g *gated) Params(group string) []nn.Param {
	return []nn.Param{
		{Name: g.name + "/w_t", Group: group, Value: g.Wt},
		{Name: g.name + "/b_t", Group: group, Value: g.Bt},
		{Name: g.name + "/w_h", Group: group, Value: g.Wh},
		{Name: g.name + "/theta", Group: group, Value: g.Theta},
	}
}

// Gate returns sigmoid(x·W_t + b_t); every entry lies in (0, 1).
func (g *gated) Gate(x *mat.Dense) *mat.Dense {
	gate := nn.Affine(x, g.Wt, g.Bt)
	nn.Sigmoid.Apply(gate)
	return gate
}

// degreeNorm returns (deg+ε)^-1/2 per node, masked; the dense variant clips
// degrees to [0, 1000] first.
func (g *gated) degreeNorm(adj graph.Adjacency, mask []float64) []float64 {
	deg := adj.Degrees()
	norm := make([]float64, len(deg))
	for i, d := range deg {
		if g.dense {
			d = math.Min(math.Max(d, 0), maxDegree)
		}
		norm[i] = math.Pow(d+degreeEpsilon, -0.5) * mask[i]
	}
	return norm
}

func (g *gated) Forward(x *mat.Dense, adj graph.Adjacency, mask []float64) (*mat.Dense, error) {
	in, _ := g.Wt.Dims()
	if err := checkInput(g.name, x, adj, mask, in); err != nil {
		return nil, err
	}

	xm := mat.DenseCopyOf(x)
	if err := tensor.MaskRows(xm, mask); err != nil {
		return nil, err
	}

	var hom mat.Dense
	hom.Mul(xm, g.Theta)
	var norm []float64
	if g.normalize {
		norm = g.degreeNorm(adj, mask)
		if err := tensor.MaskRows(&hom, norm); err != nil {
			return nil, err
		}
	}
	prop, err := adj.Propagate(&hom)
	if err != nil {
		return nil, err
	}
	if norm != nil {
		if err := tensor.MaskRows(prop, norm); err != nil {
			return nil, err
		}
	}

	var het mat.Dense
	het.Mul(xm, g.Wh)
	gate := g.Gate(x)

	r, c := gate.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		gr, hr, er, dst := gate.RawRowView(i), prop.RawRowView(i), het.RawRowView(i), out.RawRowView(i)
		for j := range dst {
			dst[j] = gr[j]*hr[j] + (1-gr[j])*er[j]
		}
	}
	g.activation.Apply(out)
	if err := tensor.MaskRows(out, mask); err != nil {
		return nil, err
	}
	return out, nil
}

// Gater is implemented by layers that expose their gate.
type Gater interface {
	Gate(x *mat.Dense) *mat.Dense
}
