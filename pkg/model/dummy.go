package model

import (
	"context"
	"log/slog"
	"math/rand"

	"github.com/sanonone/pfgnn/pkg/core/nn"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"gonum.org/v1/gonum/mat"
)

// DummyNetConfig configures the element-wise baseline.
type DummyNetConfig struct {
	NumInputFeatures int
	NumInputClasses  int
	NumOutputClasses int
	HiddenDim        int
	Lanes            int
	Seed             int64
}

// DefaultDummyNetConfig returns the baseline defaults.
func DefaultDummyNetConfig() DummyNetConfig {
	return DummyNetConfig{
		NumInputFeatures: 12,
		NumInputClasses:  8,
		NumOutputClasses: 3,
		HiddenDim:        256,
		Seed:             1,
	}
}

// DummyNet applies feed-forward heads to every element independently. It
// builds no graph and serves as a regression sanity check.
type DummyNet struct {
	cfg         DummyNetConfig
	enc         Encoding
	ffnID       *nn.FFN
	ffnCharge   *nn.FFN
	ffnMomentum *nn.FFN
	params      *ParamSet
	heads       headConfig
}

// NewDummyNet initializes a DummyNet from cfg.
func NewDummyNet(cfg DummyNetConfig) (*DummyNet, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &DummyNet{
		cfg:   cfg,
		heads: headConfig{ptClip: [2]float64{-4, 4}, energyClip: [2]float64{-5, 6}},
	}
	var err error
	if m.enc, err = NewEncoding(EncodingDefault, cfg.NumInputClasses); err != nil {
		return nil, err
	}
	encDim := m.enc.Width(cfg.NumInputFeatures)
	if m.ffnID, err = nn.NewFFN("ffn_id", encDim, cfg.NumOutputClasses, cfg.HiddenDim, 1, nn.ELU, rng); err != nil {
		return nil, err
	}
	if m.ffnCharge, err = nn.NewFFN("ffn_charge", encDim, 1, cfg.HiddenDim, 1, nn.ELU, rng); err != nil {
		return nil, err
	}
	if m.ffnMomentum, err = nn.NewFFN("ffn_momentum", encDim+cfg.NumOutputClasses, numMomentumOutputs, cfg.HiddenDim, 1, nn.ELU, rng); err != nil {
		return nil, err
	}

	ps := newParamSet()
	ps.add(m.ffnID.Params("ffn_id")...)
	ps.add(m.ffnCharge.Params("ffn_charge")...)
	ps.add(m.ffnMomentum.Params("ffn_momentum")...)
	ps.stageGroups([]string{"ffn_id", "ffn_charge"}, []string{"ffn_momentum"})
	m.params = ps

	slog.Info("[Model] DummyNet built", "input_features", cfg.NumInputFeatures, "params", ps.NumValues())
	return m, nil
}

func (m *DummyNet) Name() string { return "DummyNet" }

func (m *DummyNet) Params() *ParamSet { return m.params }

// Forward runs the model over x.
func (m *DummyNet) Forward(ctx context.Context, x *tensor.Batch, opts ForwardOptions) (*Output, error) {
	return instrument(m.Name(), x, func() (*Output, error) {
		if err := checkInput(m.Name(), x, m.cfg.NumInputFeatures); err != nil {
			return nil, err
		}
		mask := x.Mask()
		observeMask(mask)
		return runEvents(ctx, x, mask, m.cfg.Lanes, opts, func(_ context.Context, _ int, ev *mat.Dense, msk []float64, _ *rand.Rand) (eventOutput, error) {
			enc, err := m.enc.Encode(ev)
			if err != nil {
				return eventOutput{}, err
			}
			logits, err := m.ffnID.Forward(enc)
			if err != nil {
				return eventOutput{}, err
			}
			charge, err := m.ffnCharge.Forward(enc)
			if err != nil {
				return eventOutput{}, err
			}
			momentum, err := m.ffnMomentum.Forward(tensor.ConcatCols(enc, logits))
			if err != nil {
				return eventOutput{}, err
			}
			return applyHeads(m.heads, logits, charge, momentum, msk)
		})
	})
}
