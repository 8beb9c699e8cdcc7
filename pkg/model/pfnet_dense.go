package model

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/sanonone/pfgnn/pkg/core/conv"
	"github.com/sanonone/pfgnn/pkg/core/distance"
	"github.com/sanonone/pfgnn/pkg/core/nn"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"gonum.org/v1/gonum/mat"
)

// PFNetDenseConfig holds the structural hyperparameters of PFNetDense.
type PFNetDenseConfig struct {
	NumInputFeatures int
	NumInputClasses  int
	NumOutputClasses int
	MaxNumBins       int
	BinSize          int
	DistMult         float64
	DistanceDim      int
	HiddenDim        int
	LayerNorm        bool
	ClipValueLow     float64
	Activation       nn.Activation
	NumConv          int
	// NumGSL is the number of stacked combined graph layers per tower.
	NumGSL                      int
	Dropout                     float64
	SeparateMomentum            bool
	InputEncoding               EncodingName
	FocalLossFromLogits         bool
	GraphKernel                 distance.Kernel
	SkipConnection              bool
	RegressionUseClassification bool
	Conv                        conv.Config
	Debug                       bool
	Lanes                       int
	Seed                        int64
}

// DefaultPFNetDenseConfig returns the reference PFNetDense hyperparameters.
func DefaultPFNetDenseConfig() PFNetDenseConfig {
	return PFNetDenseConfig{
		NumInputFeatures:            15,
		NumInputClasses:             8,
		NumOutputClasses:            3,
		MaxNumBins:                  200,
		BinSize:                     320,
		DistMult:                    0.1,
		DistanceDim:                 128,
		HiddenDim:                   256,
		Activation:                  nn.ELU,
		NumConv:                     2,
		NumGSL:                      1,
		SeparateMomentum:            true,
		InputEncoding:               EncodingCMS,
		GraphKernel:                 distance.Gaussian,
		RegressionUseClassification: true,
		Conv: conv.Config{
			Kind:             conv.GHConvDense,
			Activation:       nn.ELU,
			OutputDim:        128,
			NormalizeDegrees: true,
		},
		Seed: 1,
	}
}

// PFNetDense runs stacks of combined graph layers for classification and
// regression, each over dense bin-local graphs rebuilt from its own input.
type PFNetDense struct {
	cfg PFNetDenseConfig
	enc Encoding

	ffnEncID  *nn.FFN
	ffnEncReg *nn.FFN
	cgID      []*CombinedGraphLayer
	cgReg     []*CombinedGraphLayer

	ffnID       *nn.FFN
	ffnCharge   *nn.FFN
	ffnMomentum []*nn.FFN
	// momentumMult scales each momentum output, 1 × numMomentumOutputs.
	momentumMult *mat.Dense

	params *ParamSet
	heads  headConfig
}

// NewPFNetDense initializes a PFNetDense from cfg.
func NewPFNetDense(cfg PFNetDenseConfig) (*PFNetDense, error) {
	if cfg.NumGSL < 1 {
		return nil, fmt.Errorf("pfnet dense: need at least one combined graph layer, got %d", cfg.NumGSL)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &PFNetDense{
		cfg: cfg,
		heads: headConfig{
			ptClip:     [2]float64{-6, 8},
			energyClip: [2]float64{-6, 8},
			rawLogits:  cfg.FocalLossFromLogits,
		},
	}

	var err error
	if m.enc, err = NewEncoding(cfg.InputEncoding, cfg.NumInputClasses); err != nil {
		return nil, err
	}
	encDim := m.enc.Width(cfg.NumInputFeatures)
	dff := cfg.HiddenDim

	if m.ffnEncID, err = nn.NewFFN("ffn_enc_id", encDim, dff, dff, 1, cfg.Activation, rng); err != nil {
		return nil, err
	}
	if m.ffnEncReg, err = nn.NewFFN("ffn_enc_reg", encDim, dff, dff, 1, cfg.Activation, rng); err != nil {
		return nil, err
	}

	convCfg := cfg.Conv
	stack := func(prefix string) ([]*CombinedGraphLayer, int, error) {
		var (
			layers []*CombinedGraphLayer
			width  = dff
			sum    int
		)
		for i := 0; i < cfg.NumGSL; i++ {
			cg, err := NewCombinedGraphLayer(fmt.Sprintf("%s_%d", prefix, i), CombinedConfig{
				InputDim:    width,
				DistanceDim: cfg.DistanceDim,
				MaxNumBins:  cfg.MaxNumBins,
				BinSize:     cfg.BinSize,
				DistMult:    cfg.DistMult,
				ClipLow:     cfg.ClipValueLow,
				Kernel:      cfg.GraphKernel,
				LayerNorm:   cfg.LayerNorm,
				NumConv:     cfg.NumConv,
				Dropout:     cfg.Dropout,
				Conv:        convCfg,
			}, rng)
			if err != nil {
				return nil, 0, err
			}
			layers = append(layers, cg)
			width = cg.OutputDim()
			sum += width
		}
		// The graph summary has the width of the last layer.
		return layers, sum + width, nil
	}

	var clsWidth, regWidth int
	if m.cgID, clsWidth, err = stack("cg_id"); err != nil {
		return nil, fmt.Errorf("pfnet dense: %w", err)
	}
	if m.cgReg, regWidth, err = stack("cg_reg"); err != nil {
		return nil, fmt.Errorf("pfnet dense: %w", err)
	}
	if cfg.SkipConnection {
		clsWidth += encDim
		regWidth += encDim
	}
	if cfg.RegressionUseClassification {
		regWidth += cfg.NumOutputClasses
	}

	if m.ffnID, err = nn.NewFFN("ffn_cls", clsWidth, cfg.NumOutputClasses, dff, 4, cfg.Activation, rng); err != nil {
		return nil, err
	}
	if m.ffnCharge, err = nn.NewFFN("ffn_charge", clsWidth, 1, dff, 2, cfg.Activation, rng); err != nil {
		return nil, err
	}
	if cfg.SeparateMomentum {
		for i := 0; i < numMomentumOutputs; i++ {
			f, err := nn.NewFFN(fmt.Sprintf("ffn_momentum%d", i), regWidth, 1, dff, 4, cfg.Activation, rng)
			if err != nil {
				return nil, err
			}
			m.ffnMomentum = append(m.ffnMomentum, f)
		}
	} else {
		f, err := nn.NewFFN("ffn_momentum", regWidth, numMomentumOutputs, dff, 4, cfg.Activation, rng)
		if err != nil {
			return nil, err
		}
		m.ffnMomentum = []*nn.FFN{f}
	}
	m.momentumMult = mat.NewDense(1, numMomentumOutputs, nil)
	for j := 0; j < numMomentumOutputs; j++ {
		m.momentumMult.Set(0, j, 1)
	}

	ps := newParamSet()
	ps.add(m.ffnEncID.Params("ffn_enc_id")...)
	ps.add(m.ffnEncReg.Params("ffn_enc_reg")...)
	var idGroups, regGroups []string
	for _, cg := range m.cgID {
		ps.add(cg.Params(cg.Name())...)
		idGroups = append(idGroups, cg.Name())
	}
	for _, cg := range m.cgReg {
		ps.add(cg.Params(cg.Name())...)
		regGroups = append(regGroups, cg.Name())
	}
	ps.add(m.ffnID.Params("ffn_cls")...)
	ps.add(m.ffnCharge.Params("ffn_charge")...)
	var momentumGroups []string
	for _, f := range m.ffnMomentum {
		ps.add(f.Params(f.Name())...)
		momentumGroups = append(momentumGroups, f.Name())
	}
	ps.add(nn.Param{Name: "momentum_multiplication", Group: "momentum_multiplication", Value: m.momentumMult})

	// Each stage freezes the other tower's encoder, graph layers and heads.
	clsFrozen := append(append([]string{"ffn_enc_reg"}, regGroups...), momentumGroups...)
	regFrozen := append([]string{"ffn_enc_id", "ffn_cls", "ffn_charge"}, idGroups...)
	ps.stageGroups(without(ps.Groups(), clsFrozen), without(ps.Groups(), regFrozen))
	m.params = ps

	slog.Info("[Model] PFNetDense built",
		"input_features", cfg.NumInputFeatures,
		"encoding", cfg.InputEncoding,
		"encoding_dim", encDim,
		"hidden_dim", dff,
		"bin_size", cfg.BinSize,
		"kernel", cfg.GraphKernel,
		"conv", convCfg.Kind,
		"num_conv", cfg.NumConv,
		"num_gsl", cfg.NumGSL,
		"params", ps.NumValues(),
	)
	return m, nil
}

func without(all, drop []string) []string {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	var out []string
	for _, g := range all {
		if !skip[g] {
			out = append(out, g)
		}
	}
	return out
}

func (m *PFNetDense) Name() string { return "PFNetDense" }

func (m *PFNetDense) Params() *ParamSet { return m.params }

// MomentumMult returns the per-output momentum multiplier.
func (m *PFNetDense) MomentumMult() *mat.Dense { return m.momentumMult }

// Forward runs the model over x.
func (m *PFNetDense) Forward(ctx context.Context, x *tensor.Batch, opts ForwardOptions) (*Output, error) {
	return instrument(m.Name(), x, func() (*Output, error) {
		if err := checkInput(m.Name(), x, m.cfg.NumInputFeatures); err != nil {
			return nil, err
		}
		mask := x.Mask()
		observeMask(mask)

		var dbg []*eventDebug
		if m.cfg.Debug {
			dbg = make([]*eventDebug, x.Len())
		}
		out, err := runEvents(ctx, x, mask, m.cfg.Lanes, opts, func(_ context.Context, i int, ev *mat.Dense, msk []float64, rng *rand.Rand) (eventOutput, error) {
			var d *eventDebug
			if dbg != nil {
				d = &eventDebug{combined: make(map[string]*CombinedOutput)}
				dbg[i] = d
			}
			return m.forwardEvent(ev, msk, opts.Training, rng, d)
		})
		if err != nil {
			return nil, err
		}
		if dbg != nil {
			out.Debug = mergeDebug(dbg)
		}
		return out, nil
	})
}

type eventDebug struct {
	combined     map[string]*CombinedOutput
	decOutputID  *mat.Dense
	decOutputReg *mat.Dense
}

func mergeDebug(events []*eventDebug) *Debug {
	d := &Debug{Combined: make(map[string][]*CombinedOutput)}
	for _, ev := range events {
		for name, co := range ev.combined {
			d.Combined[name] = append(d.Combined[name], co)
		}
		d.DecOutputID = append(d.DecOutputID, ev.decOutputID)
		d.DecOutputReg = append(d.DecOutputReg, ev.decOutputReg)
	}
	return d
}

// runTower encodes x, runs the combined graph layers and returns their
// encodings in order.
func (m *PFNetDense) runTower(enc *mat.Dense, ffn *nn.FFN, layers []*CombinedGraphLayer, mask []float64, training bool, rng *rand.Rand, dbg *eventDebug) ([]*mat.Dense, error) {
	h, err := ffn.Forward(enc)
	if err != nil {
		return nil, err
	}
	m.cfg.Activation.Apply(h)
	encs := make([]*mat.Dense, 0, len(layers))
	for _, cg := range layers {
		co, err := cg.Forward(h, mask, training, rng)
		if err != nil {
			return nil, err
		}
		if dbg != nil {
			dbg.combined[cg.Name()] = co
		}
		h = co.Enc
		encs = append(encs, h)
	}
	return encs, nil
}

// graphSummary broadcasts the mean of the valid rows of h to every row.
func graphSummary(h *mat.Dense, mask []float64) *mat.Dense {
	n, _ := h.Dims()
	return tensor.Broadcast(tensor.MaskedMean(h, mask), n)
}

func (m *PFNetDense) forwardEvent(x *mat.Dense, mask []float64, training bool, rng *rand.Rand, dbg *eventDebug) (eventOutput, error) {
	enc, err := m.enc.Encode(x)
	if err != nil {
		return eventOutput{}, err
	}

	encsID, err := m.runTower(enc, m.ffnEncID, m.cgID, mask, training, rng, dbg)
	if err != nil {
		return eventOutput{}, err
	}
	encsReg, err := m.runTower(enc, m.ffnEncReg, m.cgReg, mask, training, rng, dbg)
	if err != nil {
		return eventOutput{}, err
	}

	var decCls []*mat.Dense
	if m.cfg.SkipConnection {
		decCls = append(decCls, enc)
	}
	decCls = append(decCls, encsID...)
	decCls = append(decCls, graphSummary(encsID[len(encsID)-1], mask))
	decOutputID := tensor.ConcatCols(decCls...)
	if err := tensor.MaskRows(decOutputID, mask); err != nil {
		return eventOutput{}, err
	}

	logits, err := m.ffnID.Forward(decOutputID)
	if err != nil {
		return eventOutput{}, err
	}
	if err := tensor.MaskRows(logits, mask); err != nil {
		return eventOutput{}, err
	}
	charge, err := m.ffnCharge.Forward(decOutputID)
	if err != nil {
		return eventOutput{}, err
	}

	var decReg []*mat.Dense
	if m.cfg.SkipConnection {
		decReg = append(decReg, enc)
	}
	if m.cfg.RegressionUseClassification {
		decReg = append(decReg, logits)
	}
	decReg = append(decReg, encsReg...)
	decReg = append(decReg, graphSummary(encsReg[len(encsReg)-1], mask))
	decOutputReg := tensor.ConcatCols(decReg...)
	if err := tensor.MaskRows(decOutputReg, mask); err != nil {
		return eventOutput{}, err
	}

	parts := make([]*mat.Dense, len(m.ffnMomentum))
	for i, f := range m.ffnMomentum {
		if parts[i], err = f.Forward(decOutputReg); err != nil {
			return eventOutput{}, err
		}
	}
	momentum := tensor.ConcatCols(parts...)
	mult := m.momentumMult.RawRowView(0)
	n, _ := momentum.Dims()
	for i := 0; i < n; i++ {
		row := momentum.RawRowView(i)
		for j := range row {
			row[j] *= mult[j]
		}
	}

	if dbg != nil {
		dbg.decOutputID = decOutputID
		dbg.decOutputReg = decOutputReg
	}
	return applyHeads(m.heads, logits, charge, momentum, mask)
}
