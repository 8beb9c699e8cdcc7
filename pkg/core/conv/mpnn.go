package conv

import (
	"math/rand"

	"github.com/sanonone/pfgnn/pkg/core/graph"
	"github.com/sanonone/pfgnn/pkg/core/nn"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"gonum.org/v1/gonum/mat"
)

// mpnn runs an FFN over concat(x, mean incoming message).
type mpnn struct {
	name string
	in   int
	ffn  *nn.FFN
}

func newMPNN(name string, cfg Config, rng *rand.Rand) (*mpnn, error) {
	hidden := cfg.HiddenDim
	if hidden <= 0 {
		hidden = cfg.OutputDim
	}
	layers := cfg.NumLayers
	if layers <= 0 {
		layers = 1
	}
	ffn, err := nn.NewFFN(name+"/ffn", 2*cfg.InputDim, cfg.OutputDim, hidden, layers, cfg.Activation, rng)
	if err != nil {
		return nil, err
	}
	return &mpnn{name: name, in: cfg.InputDim, ffn: ffn}, nil
}

func (m *mpnn) Kind() Kind { return MPNNNodeFunction }

func (m *mpnn) OutputDim() int { return m.ffn.Out() }

func (m *mpnn) Params(group string) []nn.Param { return m.ffn.Params(group) }

func (m *mpnn) Forward(x *mat.Dense, adj graph.Adjacency, mask []float64) (*mat.Dense, error) {
	if err := checkInput(m.name, x, adj, mask, m.in); err != nil {
		return nil, err
	}
	msg, err := graph.MeanIncoming(adj, x, mask)
	if err != nil {
		return nil, err
	}
	cat := tensor.ConcatCols(x, msg)
	if err := tensor.MaskRows(cat, mask); err != nil {
		return nil, err
	}
	out, err := m.ffn.Forward(cat)
	if err != nil {
		return nil, err
	}
	if err := tensor.MaskRows(out, mask); err != nil {
		return nil, err
	}
	return out, nil
}
