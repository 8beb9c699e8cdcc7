package model

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/sanonone/pfgnn/pkg/core/conv"
	"github.com/sanonone/pfgnn/pkg/core/graph"
	"github.com/sanonone/pfgnn/pkg/core/lsh"
	"github.com/sanonone/pfgnn/pkg/core/nn"
	"github.com/sanonone/pfgnn/pkg/core/parallel"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"gonum.org/v1/gonum/mat"
)

// PFNetConfig holds the structural hyperparameters of PFNet.
type PFNetConfig struct {
	NumInputFeatures int
	NumInputClasses  int
	NumOutputClasses int
	Activation       nn.Activation
	HiddenDimID      int
	HiddenDimReg     int
	DistanceDim      int
	ConvKind         conv.Kind
	Dropout          float64
	BinSize          int
	MaxNumBins       int
	NumConvsID       int
	NumConvsReg      int
	NumHiddenIDEnc   int
	NumHiddenIDDec   int
	NumHiddenRegEnc  int
	NumHiddenRegDec  int
	NumNeighbors     int
	DistMult         float64
	SkipConnection   bool
	// ReturnMatrix attaches the sparse graph to Output.Debug.
	ReturnMatrix bool
	// MaskPolicy decides whether padded elements are pushed into overflow bins.
	MaskPolicy lsh.MaskPolicy
	Lanes      int
	Seed       int64
}

// DefaultPFNetConfig returns the reference PFNet hyperparameters.
func DefaultPFNetConfig() PFNetConfig {
	return PFNetConfig{
		NumInputFeatures: 12,
		NumInputClasses:  8,
		NumOutputClasses: 3,
		Activation:       nn.SELU,
		HiddenDimID:      256,
		HiddenDimReg:     256,
		DistanceDim:      256,
		ConvKind:         conv.GHConv,
		Dropout:          0.1,
		BinSize:          10,
		MaxNumBins:       200,
		NumConvsID:       1,
		NumConvsReg:      1,
		NumHiddenIDEnc:   1,
		NumHiddenIDDec:   1,
		NumHiddenRegEnc:  1,
		NumHiddenRegDec:  1,
		NumNeighbors:     5,
		DistMult:         0.1,
		MaskPolicy:       lsh.MaskOverflow,
		Seed:             1,
	}
}

// PFNet builds one sparse LSH graph per pass and runs a classification and a
// regression tower over it. The classification logits are fed to the
// regression tower as extra input.
type PFNet struct {
	cfg    PFNetConfig
	enc    Encoding
	dist   *graph.SparseBuilder
	gnnID  *EncoderDecoderGNN
	gnnReg *EncoderDecoderGNN

	layerID       *nn.FFN
	layerCharge   *nn.FFN
	layerMomentum *nn.FFN

	params *ParamSet
	heads  headConfig
}

func repeat(units, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = units
	}
	return out
}

// NewPFNet initializes a PFNet from cfg.
func NewPFNet(cfg PFNetConfig) (*PFNet, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &PFNet{
		cfg:   cfg,
		heads: headConfig{ptClip: [2]float64{-4, 4}, energyClip: [2]float64{-5, 6}},
	}

	var err error
	if m.enc, err = NewEncoding(EncodingDefault, cfg.NumInputClasses); err != nil {
		return nil, err
	}
	encDim := m.enc.Width(cfg.NumInputFeatures)

	m.dist, err = graph.NewSparseBuilder("dist", graph.SparseConfig{
		InputDim:     encDim,
		DistanceDim:  cfg.DistanceDim,
		MaxNumBins:   cfg.MaxNumBins,
		BinSize:      cfg.BinSize,
		NumNeighbors: cfg.NumNeighbors,
		DistMult:     cfg.DistMult,
		MaskPolicy:   cfg.MaskPolicy,
		Lanes:        cfg.Lanes,
	}, rng)
	if err != nil {
		return nil, fmt.Errorf("pfnet: %w", err)
	}

	m.gnnID, err = NewEncoderDecoderGNN("gnn_id", GNNConfig{
		InputDim:   encDim,
		Encoders:   repeat(cfg.HiddenDimID, cfg.NumHiddenIDEnc),
		Decoders:   repeat(cfg.HiddenDimID, cfg.NumHiddenIDDec),
		NumConvs:   cfg.NumConvsID,
		ConvKind:   cfg.ConvKind,
		Dropout:    cfg.Dropout,
		Activation: cfg.Activation,
	}, rng)
	if err != nil {
		return nil, fmt.Errorf("pfnet: %w", err)
	}

	decID := m.gnnID.OutputDim()
	if cfg.SkipConnection {
		decID += encDim
	}
	if m.layerID, err = nn.NewFFN("layer_id", decID, cfg.NumOutputClasses, cfg.HiddenDimID, 3, cfg.Activation, rng); err != nil {
		return nil, err
	}
	if m.layerCharge, err = nn.NewFFN("layer_charge", decID, 1, cfg.HiddenDimID, 3, cfg.Activation, rng); err != nil {
		return nil, err
	}

	m.gnnReg, err = NewEncoderDecoderGNN("gnn_reg", GNNConfig{
		InputDim:   encDim + cfg.NumOutputClasses,
		Encoders:   repeat(cfg.HiddenDimReg, cfg.NumHiddenRegEnc),
		Decoders:   repeat(cfg.HiddenDimReg, cfg.NumHiddenRegDec),
		NumConvs:   cfg.NumConvsReg,
		ConvKind:   cfg.ConvKind,
		Dropout:    cfg.Dropout,
		Activation: cfg.Activation,
	}, rng)
	if err != nil {
		return nil, fmt.Errorf("pfnet: %w", err)
	}

	decReg := cfg.NumOutputClasses + m.gnnReg.OutputDim()
	if cfg.SkipConnection {
		decReg += encDim
	}
	if m.layerMomentum, err = nn.NewFFN("layer_momentum", decReg, numMomentumOutputs, cfg.HiddenDimReg, 3, cfg.Activation, rng); err != nil {
		return nil, err
	}

	ps := newParamSet()
	ps.add(m.dist.Params("dist")...)
	ps.add(m.gnnID.Params("gnn_id")...)
	ps.add(m.layerID.Params("layer_id")...)
	ps.add(m.layerCharge.Params("layer_charge")...)
	ps.add(m.gnnReg.Params("gnn_reg")...)
	ps.add(m.layerMomentum.Params("layer_momentum")...)
	ps.stageGroups(
		[]string{"gnn_id", "layer_id"},
		[]string{"gnn_reg", "layer_momentum"},
	)
	m.params = ps

	slog.Info("[Model] PFNet built",
		"input_features", cfg.NumInputFeatures,
		"encoding_dim", encDim,
		"bin_size", cfg.BinSize,
		"neighbors", cfg.NumNeighbors,
		"conv", cfg.ConvKind,
		"params", ps.NumValues(),
	)
	return m, nil
}

func (m *PFNet) Name() string { return "PFNet" }

func (m *PFNet) Params() *ParamSet { return m.params }

// Forward runs the model over x.
func (m *PFNet) Forward(ctx context.Context, x *tensor.Batch, opts ForwardOptions) (*Output, error) {
	return instrument(m.Name(), x, func() (*Output, error) {
		if err := checkInput(m.Name(), x, m.cfg.NumInputFeatures); err != nil {
			return nil, err
		}
		mask := x.Mask()
		observeMask(mask)

		lanes := m.cfg.Lanes
		if opts.Lanes > 0 {
			lanes = opts.Lanes
		}
		encs, err := parallel.Map(ctx, lanes, x.Len(), func(_ context.Context, i int) (*mat.Dense, error) {
			return m.enc.Encode(x.Event(i))
		})
		if err != nil {
			return nil, err
		}
		encBatch, err := tensor.FromEvents(encs)
		if err != nil {
			return nil, err
		}
		g, err := m.dist.Build(ctx, encBatch, mask)
		if err != nil {
			return nil, err
		}

		out, err := runEvents(ctx, x, mask, lanes, opts, func(_ context.Context, i int, _ *mat.Dense, msk []float64, rng *rand.Rand) (eventOutput, error) {
			return m.forwardEvent(encs[i], g.Adj.Event(i), msk, opts.Training, rng)
		})
		if err != nil {
			return nil, err
		}
		if m.cfg.ReturnMatrix {
			out.Debug = &Debug{Sparse: g}
		}
		return out, nil
	})
}

func (m *PFNet) forwardEvent(enc *mat.Dense, adj graph.Adjacency, mask []float64, training bool, rng *rand.Rand) (eventOutput, error) {
	xID, err := m.gnnID.Forward(enc, adj, mask, training, rng)
	if err != nil {
		return eventOutput{}, err
	}
	toDecode := xID
	if m.cfg.SkipConnection {
		toDecode = tensor.ConcatCols(enc, xID)
	}

	logits, err := m.layerID.Forward(toDecode)
	if err != nil {
		return eventOutput{}, err
	}
	if err := tensor.MaskRows(logits, mask); err != nil {
		return eventOutput{}, err
	}
	charge, err := m.layerCharge.Forward(toDecode)
	if err != nil {
		return eventOutput{}, err
	}

	xReg, err := m.gnnReg.Forward(tensor.ConcatCols(enc, logits), adj, mask, training, rng)
	if err != nil {
		return eventOutput{}, err
	}
	if m.cfg.SkipConnection {
		toDecode = tensor.ConcatCols(enc, logits, xReg)
	} else {
		toDecode = tensor.ConcatCols(logits, xReg)
	}
	momentum, err := m.layerMomentum.Forward(toDecode)
	if err != nil {
		return eventOutput{}, err
	}
	return applyHeads(m.heads, logits, charge, momentum, mask)
}
