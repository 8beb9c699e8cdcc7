package model

import (
	"fmt"
	"math/rand"

	"github.com/sanonone/pfgnn/pkg/core/conv"
	"github.com/sanonone/pfgnn/pkg/core/distance"
	"github.com/sanonone/pfgnn/pkg/core/graph"
	"github.com/sanonone/pfgnn/pkg/core/lsh"
	"github.com/sanonone/pfgnn/pkg/core/nn"
	"gonum.org/v1/gonum/mat"
)

// EncoderDecoderGNN is the sparse tower: dense encoders, graph convolutions
// over a shared adjacency, dense decoders. Dropout follows every dense
// layer when training.
type EncoderDecoderGNN struct {
	name     string
	encoders []*nn.Dense
	convs    []conv.Layer
	decoders []*nn.Dense
	dropout  nn.Dropout
	outDim   int
}

// GNNConfig configures an EncoderDecoderGNN.
type GNNConfig struct {
	InputDim   int
	Encoders   []int
	Decoders   []int
	NumConvs   int
	ConvKind   conv.Kind
	Dropout    float64
	Activation nn.Activation
}

// NewEncoderDecoderGNN builds the tower. Convolutions keep the width of the
// last encoder.
func NewEncoderDecoderGNN(name string, cfg GNNConfig, rng *rand.Rand) (*EncoderDecoderGNN, error) {
	g := &EncoderDecoderGNN{name: name, dropout: nn.Dropout{Rate: cfg.Dropout}}
	width := cfg.InputDim
	for i, units := range cfg.Encoders {
		d, err := nn.NewDense(fmt.Sprintf("encoding_%s_%d", name, i), width, units, cfg.Activation, rng)
		if err != nil {
			return nil, err
		}
		g.encoders = append(g.encoders, d)
		width = units
	}
	for i := 0; i < cfg.NumConvs; i++ {
		c, err := conv.New(fmt.Sprintf("%s/conv%d", name, i), conv.Config{
			Kind:       cfg.ConvKind,
			InputDim:   width,
			Activation: cfg.Activation,
		}, rng)
		if err != nil {
			return nil, err
		}
		g.convs = append(g.convs, c)
	}
	for i, units := range cfg.Decoders {
		d, err := nn.NewDense(fmt.Sprintf("decoding_%s_%d", name, i), width, units, cfg.Activation, rng)
		if err != nil {
			return nil, err
		}
		g.decoders = append(g.decoders, d)
		width = units
	}
	g.outDim = width
	return g, nil
}

// OutputDim returns the width of the tower output.
func (g *EncoderDecoderGNN) OutputDim() int { return g.outDim }

// Params returns all tower parameters under group.
func (g *EncoderDecoderGNN) Params(group string) []nn.Param {
	var ps []nn.Param
	for _, d := range g.encoders {
		ps = append(ps, d.Params(group)...)
	}
	for _, c := range g.convs {
		ps = append(ps, c.Params(group)...)
	}
	for _, d := range g.decoders {
		ps = append(ps, d.Params(group)...)
	}
	return ps
}

// Forward runs one event.
func (g *EncoderDecoderGNN) Forward(x *mat.Dense, adj graph.Adjacency, mask []float64, training bool, rng *rand.Rand) (*mat.Dense, error) {
	var err error
	for _, d := range g.encoders {
		if x, err = d.Forward(x); err != nil {
			return nil, err
		}
		g.dropout.Apply(x, training, rng)
	}
	for _, c := range g.convs {
		if x, err = c.Forward(x, adj, mask); err != nil {
			return nil, err
		}
	}
	for _, d := range g.decoders {
		if x, err = d.Forward(x); err != nil {
			return nil, err
		}
		g.dropout.Apply(x, training, rng)
	}
	return x, nil
}

// CombinedConfig configures a CombinedGraphLayer.
type CombinedConfig struct {
	InputDim    int
	DistanceDim int
	MaxNumBins  int
	BinSize     int
	DistMult    float64
	ClipLow     float64
	Kernel      distance.Kernel
	LayerNorm   bool
	NumConv     int
	Dropout     float64
	// Conv is the per-layer convolution config; InputDim is filled in.
	Conv conv.Config
}

// CombinedOutput is the result of CombinedGraphLayer.Forward for one event.
type CombinedOutput struct {
	// Enc is the convolved encoding in the original element order.
	Enc *mat.Dense
	// Dist is the distance embedding used for binning.
	Dist *mat.Dense
	Bins lsh.Bins
	// Adj holds the per-bin dense adjacency.
	Adj []*mat.Dense
}

// CombinedGraphLayer is the dense tower: optional layer norm, distance
// projection, dense bin-local graph, stacked convolutions inside every bin
// and the scatter back to element order.
type CombinedGraphLayer struct {
	name      string
	layerNorm *nn.LayerNorm
	ffnDist   *nn.FFN
	builder   *graph.DenseBuilder
	convs     []conv.Layer
	dropout   nn.Dropout
	outDim    int
}

// NewCombinedGraphLayer builds the layer.
func NewCombinedGraphLayer(name string, cfg CombinedConfig, rng *rand.Rand) (*CombinedGraphLayer, error) {
	cg := &CombinedGraphLayer{name: name, dropout: nn.Dropout{Rate: cfg.Dropout}, outDim: cfg.InputDim}
	if cfg.LayerNorm {
		cg.layerNorm = nn.NewLayerNorm(name+"/layernorm", cfg.InputDim)
	}
	ffnDist, err := nn.NewFFN(name+"/ffn_dist", cfg.InputDim, cfg.DistanceDim, cfg.DistanceDim, 1, nn.ELU, rng)
	if err != nil {
		return nil, err
	}
	cg.ffnDist = ffnDist
	cg.builder, err = graph.NewDenseBuilder(name+"/dist", graph.DenseConfig{
		DistanceDim: cfg.DistanceDim,
		MaxNumBins:  cfg.MaxNumBins,
		BinSize:     cfg.BinSize,
		DistMult:    cfg.DistMult,
		ClipLow:     cfg.ClipLow,
		Kernel:      cfg.Kernel,
	}, rng)
	if err != nil {
		return nil, err
	}
	width := cfg.InputDim
	for i := 0; i < cfg.NumConv; i++ {
		cc := cfg.Conv
		cc.InputDim = width
		c, err := conv.New(fmt.Sprintf("%s/conv%d", name, i), cc, rng)
		if err != nil {
			return nil, err
		}
		cg.convs = append(cg.convs, c)
		width = c.OutputDim()
	}
	cg.outDim = width
	return cg, nil
}

// Name returns the layer name.
func (cg *CombinedGraphLayer) Name() string { return cg.name }

// OutputDim returns the width of Enc.
func (cg *CombinedGraphLayer) OutputDim() int { return cg.outDim }

// Params returns the layer parameters under group.
func (cg *CombinedGraphLayer) Params(group string) []nn.Param {
	var ps []nn.Param
	if cg.layerNorm != nil {
		ps = append(ps, cg.layerNorm.Params(group)...)
	}
	ps = append(ps, cg.ffnDist.Params(group)...)
	ps = append(ps, cg.builder.Params(group)...)
	for _, c := range cg.convs {
		ps = append(ps, c.Params(group)...)
	}
	return ps
}

// Forward runs one event.
func (cg *CombinedGraphLayer) Forward(x *mat.Dense, mask []float64, training bool, rng *rand.Rand) (*CombinedOutput, error) {
	var err error
	if cg.layerNorm != nil {
		if x, err = cg.layerNorm.Forward(x); err != nil {
			return nil, err
		}
	}
	xDist, err := cg.ffnDist.Forward(x)
	if err != nil {
		return nil, err
	}
	g, err := cg.builder.Build(xDist, x, mask)
	if err != nil {
		return nil, err
	}
	binned := g.XBinned
	for _, c := range cg.convs {
		next := make([]*mat.Dense, len(binned))
		for b := range binned {
			if next[b], err = c.Forward(binned[b], graph.DenseAdj{M: g.Adj[b]}, g.MaskBinned[b]); err != nil {
				return nil, fmt.Errorf("%s bin %d: %w", cg.name, b, err)
			}
			cg.dropout.Apply(next[b], training, rng)
		}
		binned = next
	}
	enc, err := graph.ReverseLSH(g.Bins, binned)
	if err != nil {
		return nil, err
	}
	return &CombinedOutput{Enc: enc, Dist: xDist, Bins: g.Bins, Adj: g.Adj}, nil
}
