package model

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/sanonone/pfgnn/pkg/core/conv"
	"github.com/sanonone/pfgnn/pkg/core/distance"
	"github.com/sanonone/pfgnn/pkg/core/lsh"
	"github.com/sanonone/pfgnn/pkg/core/nn"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"gonum.org/v1/gonum/mat"
)

// makeBatch builds a batch whose first valid[b] elements of event b are real.
func makeBatch(rng *rand.Rand, n, f, numClasses int, valid ...int) *tensor.Batch {
	events := make([]*mat.Dense, len(valid))
	for b, v := range valid {
		ev := mat.NewDense(n, f, nil)
		for i := 0; i < v; i++ {
			row := ev.RawRowView(i)
			row[0] = float64(1 + rng.Intn(numClasses-1))
			for j := 1; j < f; j++ {
				row[j] = rng.Float64()
			}
		}
		events[b] = ev
	}
	x, _ := tensor.FromEvents(events)
	return x
}

func smallPFNetConfig() PFNetConfig {
	cfg := DefaultPFNetConfig()
	cfg.NumInputFeatures = 6
	cfg.NumInputClasses = 4
	cfg.HiddenDimID = 8
	cfg.HiddenDimReg = 8
	cfg.DistanceDim = 8
	cfg.MaxNumBins = 10
	cfg.NumNeighbors = 3
	cfg.Lanes = 2
	return cfg
}

func smallDenseConfig() PFNetDenseConfig {
	cfg := DefaultPFNetDenseConfig()
	cfg.NumInputFeatures = 13
	cfg.NumInputClasses = 4
	cfg.HiddenDim = 8
	cfg.DistanceDim = 4
	cfg.BinSize = 10
	cfg.MaxNumBins = 10
	cfg.NumConv = 1
	cfg.Conv.OutputDim = 6
	cfg.Lanes = 2
	return cfg
}

func smallModels(t *testing.T) map[string]struct {
	m        Model
	features int
} {
	t.Helper()
	pf, err := NewPFNet(smallPFNetConfig())
	if err != nil {
		t.Fatalf("NewPFNet failed: %v", err)
	}
	dense, err := NewPFNetDense(smallDenseConfig())
	if err != nil {
		t.Fatalf("NewPFNetDense failed: %v", err)
	}
	dcfg := DefaultDummyNetConfig()
	dcfg.NumInputFeatures = 6
	dcfg.NumInputClasses = 4
	dcfg.HiddenDim = 8
	dummy, err := NewDummyNet(dcfg)
	if err != nil {
		t.Fatalf("NewDummyNet failed: %v", err)
	}
	return map[string]struct {
		m        Model
		features int
	}{
		"pfnet":    {pf, 6},
		"dense":    {dense, 13},
		"dummynet": {dummy, 6},
	}
}

func assertMaskedZero(t *testing.T, out *Output, mask [][]float64) {
	t.Helper()
	for name, field := range out.Map() {
		for b, ev := range field.Events() {
			r, c := ev.Dims()
			for i := 0; i < r; i++ {
				if mask[b][i] != 0 {
					continue
				}
				for j := 0; j < c; j++ {
					if ev.At(i, j) != 0 {
						t.Fatalf("%s[%d][%d][%d] = %v on padded element", name, b, i, j, ev.At(i, j))
					}
				}
			}
		}
	}
}

func TestForwardShapesAndMasking(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	for name, tc := range smallModels(t) {
		t.Run(name, func(t *testing.T) {
			x := makeBatch(rng, 20, tc.features, 4, 14, 20)
			out, err := tc.m.Forward(context.Background(), x, ForwardOptions{})
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if b, n, c := out.Cls.Dims(); b != 2 || n != 20 || c != 3 {
				t.Fatalf("cls dims (%d, %d, %d)", b, n, c)
			}
			assertMaskedZero(t, out, x.Mask())

			cat, err := out.Concat()
			if err != nil {
				t.Fatalf("Concat failed: %v", err)
			}
			if _, _, c := cat.Dims(); c != 3+6 {
				t.Errorf("concat width %d, want 9", c)
			}

			// Valid elements: probabilities sum to one, pt and energy positive.
			for b := 0; b < 2; b++ {
				for i := 0; i < 14; i++ {
					var sum float64
					for j := 0; j < 3; j++ {
						sum += out.Cls.At(b, i, j)
					}
					if math.Abs(sum-1) > 1e-9 {
						t.Fatalf("probabilities of element %d sum to %v", i, sum)
					}
					if out.Pt.At(b, i, 0) <= 0 || out.Energy.At(b, i, 0) <= 0 {
						t.Fatalf("non-positive pt/energy for element %d", i)
					}
				}
			}
		})
	}
}

func TestAllZeroInputGivesZeroOutput(t *testing.T) {
	for name, tc := range smallModels(t) {
		t.Run(name, func(t *testing.T) {
			x, _ := tensor.New(1, 20, tc.features)
			out, err := tc.m.Forward(context.Background(), x, ForwardOptions{})
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			for field, v := range out.Map() {
				zero, _ := tensor.New(v.Dims())
				if !tensor.Equal(v, zero, 0) {
					t.Errorf("field %s is not all zero", field)
				}
			}
		})
	}
}

func TestForwardRejectsWrongWidth(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for name, tc := range smallModels(t) {
		t.Run(name, func(t *testing.T) {
			x := makeBatch(rng, 20, tc.features+1, 4, 20)
			if _, err := tc.m.Forward(context.Background(), x, ForwardOptions{}); !errors.Is(err, tensor.ErrShapeMismatch) {
				t.Fatalf("expected ErrShapeMismatch, got %v", err)
			}
		})
	}
}

func TestForwardNotDivisible(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m, err := NewPFNetDense(smallDenseConfig())
	if err != nil {
		t.Fatalf("NewPFNetDense failed: %v", err)
	}
	x := makeBatch(rng, 15, 13, 4, 15)
	if _, err := m.Forward(context.Background(), x, ForwardOptions{}); !errors.Is(err, lsh.ErrNotDivisible) {
		t.Fatalf("expected ErrNotDivisible, got %v", err)
	}
}

func TestForwardDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	m, _ := NewPFNetDense(smallDenseConfig())
	x := makeBatch(rng, 20, 13, 4, 17, 9, 20)
	a, err := m.Forward(context.Background(), x, ForwardOptions{Lanes: 1})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	b, err := m.Forward(context.Background(), x, ForwardOptions{Lanes: 3})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for name := range a.Map() {
		if !tensor.Equal(a.Map()[name], b.Map()[name], 0) {
			t.Errorf("field %s differs between lane counts", name)
		}
	}
}

func TestPFNetDenseVariants(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	tests := []struct {
		name   string
		mutate func(*PFNetDenseConfig)
	}{
		{"learnable kernel", func(c *PFNetDenseConfig) { c.GraphKernel = distance.Learnable }},
		{"sigmoid kernel", func(c *PFNetDenseConfig) { c.GraphKernel = distance.Sigmoid }},
		{"mpnn", func(c *PFNetDenseConfig) {
			c.Conv = conv.Config{Kind: conv.MPNNNodeFunction, Activation: nn.ELU, OutputDim: 6, HiddenDim: 8, NumLayers: 2}
		}},
		{"skip and layernorm", func(c *PFNetDenseConfig) {
			c.SkipConnection = true
			c.LayerNorm = true
		}},
		{"stacked layers", func(c *PFNetDenseConfig) {
			c.NumGSL = 2
			c.NumConv = 2
		}},
		{"joint momentum head", func(c *PFNetDenseConfig) {
			c.SeparateMomentum = false
			c.RegressionUseClassification = false
		}},
		{"default encoding", func(c *PFNetDenseConfig) { c.InputEncoding = EncodingDefault }},
		{"dropout training", func(c *PFNetDenseConfig) { c.Dropout = 0.2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallDenseConfig()
			tt.mutate(&cfg)
			m, err := NewPFNetDense(cfg)
			if err != nil {
				t.Fatalf("NewPFNetDense failed: %v", err)
			}
			x := makeBatch(rng, 20, 13, 4, 11)
			out, err := m.Forward(context.Background(), x, ForwardOptions{Training: cfg.Dropout > 0, Seed: 7})
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			assertMaskedZero(t, out, x.Mask())
		})
	}
}

func TestFocalLossFromLogitsSkipsSoftmax(t *testing.T) {
	cfg := smallDenseConfig()
	cfg.FocalLossFromLogits = true
	m, err := NewPFNetDense(cfg)
	if err != nil {
		t.Fatalf("NewPFNetDense failed: %v", err)
	}
	x := makeBatch(rand.New(rand.NewSource(3)), 20, 13, 4, 20)
	out, err := m.Forward(context.Background(), x, ForwardOptions{})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	var sum float64
	for j := 0; j < 3; j++ {
		sum += out.Cls.At(0, 0, j)
	}
	if math.Abs(sum-1) < 1e-12 {
		t.Error("logits unexpectedly normalized")
	}
}

func TestDebugOutput(t *testing.T) {
	cfg := smallDenseConfig()
	cfg.Debug = true
	m, _ := NewPFNetDense(cfg)
	x := makeBatch(rand.New(rand.NewSource(4)), 20, 13, 4, 12, 20)
	out, err := m.Forward(context.Background(), x, ForwardOptions{})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Debug == nil {
		t.Fatal("debug output missing")
	}
	cg := out.Debug.Combined["cg_id_0"]
	if len(cg) != 2 {
		t.Fatalf("cg_id_0 has %d events, want 2", len(cg))
	}
	if err := cg[0].Bins.Validate(20); err != nil {
		t.Errorf("bins: %v", err)
	}
	if len(out.Debug.DecOutputID) != 2 || len(out.Debug.DecOutputReg) != 2 {
		t.Error("decoder inputs missing")
	}

	pcfg := smallPFNetConfig()
	pcfg.ReturnMatrix = true
	pf, _ := NewPFNet(pcfg)
	px := makeBatch(rand.New(rand.NewSource(4)), 20, 6, 4, 20)
	pout, err := pf.Forward(context.Background(), px, ForwardOptions{})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if pout.Debug == nil || pout.Debug.Sparse == nil || pout.Debug.Sparse.Adj.NNZ() == 0 {
		t.Error("sparse graph missing from debug output")
	}
}

func TestHeadsClipExtremeMomentum(t *testing.T) {
	heads := []headConfig{
		{ptClip: [2]float64{-4, 4}, energyClip: [2]float64{-5, 6}},
		{ptClip: [2]float64{-6, 8}, energyClip: [2]float64{-6, 8}},
	}
	logits := mat.NewDense(2, 3, []float64{1e6, -1e6, 0, 0, 0, 0})
	charge := mat.NewDense(2, 1, []float64{1e6, -1e6})
	momentum := mat.NewDense(2, 5, []float64{
		1e6, 1, 2, 3, 1e6,
		-1e6, 1, 2, 3, -1e6,
	})
	for _, h := range heads {
		ev, err := applyHeads(h, logits, charge, momentum, []float64{1, 1})
		if err != nil {
			t.Fatalf("applyHeads failed: %v", err)
		}
		for i := 0; i < 2; i++ {
			for _, v := range []float64{ev.pt.At(i, 0), ev.energy.At(i, 0)} {
				if !(v > 0) || math.IsInf(v, 0) {
					t.Errorf("momentum output %v is not positive and finite", v)
				}
			}
		}
		if ev.pt.At(0, 0) != math.Exp(h.ptClip[1]) || ev.energy.At(1, 0) != math.Exp(h.energyClip[0]) {
			t.Errorf("clip bounds not applied: pt %v energy %v", ev.pt.At(0, 0), ev.energy.At(1, 0))
		}
		if ev.charge.At(0, 0) != 2 || ev.charge.At(1, 0) != -2 {
			t.Errorf("charge not clipped: %v", ev.charge.RawMatrix().Data)
		}
		if ev.cls.At(0, 0) != 1 {
			t.Errorf("softmax of dominant logit = %v", ev.cls.At(0, 0))
		}
	}
}

func TestInputEncoding(t *testing.T) {
	enc := InputEncoding{NumInputClasses: 3}
	x := mat.NewDense(3, 3, []float64{
		1, 0.5, 0.25,
		2, 1, 2,
		7, 3, 4, // type out of range
	})
	got, err := enc.Encode(x)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := mat.NewDense(3, 5, []float64{
		0, 1, 0, 0.5, 0.25,
		0, 0, 1, 1, 2,
		0, 0, 0, 3, 4,
	})
	if !mat.Equal(got, want) {
		t.Errorf("Encode = %v", mat.Formatted(got))
	}
}

func TestInputEncodingCMS(t *testing.T) {
	enc := InputEncodingCMS{NumInputClasses: 2}
	row := make([]float64, 13)
	row[0], row[1], row[2], row[3], row[4], row[5], row[6], row[10], row[12] = 1, math.E-1, 0, math.Pi/2, 0, 0.3, 0.4, 0, math.Pi
	got, err := enc.Encode(mat.NewDense(1, 13, row))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, c := got.Dims(); c != enc.Width(13) || c != 2+12+13 {
		t.Fatalf("width %d", c)
	}
	checks := map[int]float64{
		1:  1,  // one-hot of type 1
		2:  1,  // log(pt+1)
		3:  0,  // sinh(0)
		4:  1,  // cosh(0)
		5:  1,  // sin(pi/2)
		7:  0,  // log(0+1)
		8:  3,  // layer*10
		9:  4,  // depth*10
		11: 1,  // cos(0)
		13: -1, // cos(pi)
		14: 1,  // raw type
	}
	for j, want := range checks {
		if math.Abs(got.At(0, j)-want) > 1e-12 {
			t.Errorf("column %d = %v, want %v", j, got.At(0, j), want)
		}
	}

	if _, err := enc.Encode(mat.NewDense(1, 12, nil)); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for 12 features, got %v", err)
	}
}

func TestTrainableStages(t *testing.T) {
	m, err := NewPFNetDense(smallDenseConfig())
	if err != nil {
		t.Fatalf("NewPFNetDense failed: %v", err)
	}
	ps := m.Params()
	groupsOf := func(stage Stage) map[string]bool {
		params, err := ps.Trainable(stage)
		if err != nil {
			t.Fatalf("Trainable failed: %v", err)
		}
		out := make(map[string]bool)
		for _, p := range params {
			if p.Frozen {
				t.Fatalf("frozen parameter %s returned", p.Name)
			}
			out[p.Group] = true
		}
		return out
	}

	cls := groupsOf(StageClassification)
	if !cls["cg_id_0"] || !cls["ffn_cls"] || cls["cg_reg_0"] || cls["ffn_momentum0"] || cls["ffn_enc_reg"] {
		t.Errorf("classification groups = %v", cls)
	}
	reg := groupsOf(StageRegression)
	if !reg["cg_reg_0"] || !reg["ffn_momentum4"] || reg["ffn_cls"] || reg["ffn_enc_id"] || !reg["momentum_multiplication"] {
		t.Errorf("regression groups = %v", reg)
	}
	named := groupsOf(StageNamed("ffn_charge"))
	if len(named) != 1 || !named["ffn_charge"] {
		t.Errorf("named groups = %v", named)
	}
	all, _ := ps.Trainable(StageAll)
	frozen := 0
	for _, p := range ps.All() {
		if p.Frozen {
			frozen++
		}
	}
	if len(all)+frozen != ps.Len() || frozen != 2 {
		t.Errorf("all = %d, frozen = %d, total = %d", len(all), frozen, ps.Len())
	}
	if _, err := ps.Trainable(StageNamed("missing")); !errors.Is(err, ErrUnknownGroup) {
		t.Errorf("expected ErrUnknownGroup, got %v", err)
	}
}

func TestTrainableDoesNotMutateModel(t *testing.T) {
	m, _ := NewPFNet(smallPFNetConfig())
	before, _ := m.Params().Trainable(StageAll)
	if _, err := m.Params().Trainable(StageRegression); err != nil {
		t.Fatalf("Trainable failed: %v", err)
	}
	after, _ := m.Params().Trainable(StageAll)
	if len(before) != len(after) {
		t.Errorf("StageAll changed from %d to %d parameters", len(before), len(after))
	}
}

func TestTargetsFromRows(t *testing.T) {
	y, err := tensor.FromSlices([][][]float64{{
		{2, 1, 10, 0.5, 0.1, 0.9, 20},
		{0, 1, 10, 0.5, 0.1, 0.9, 20},
	}})
	if err != nil {
		t.Fatalf("FromSlices failed: %v", err)
	}
	out, err := TargetsFromRows(y, 3)
	if err != nil {
		t.Fatalf("TargetsFromRows failed: %v", err)
	}
	if out.Cls.At(0, 0, 2) != 1 || out.Pt.At(0, 0, 0) != 10 || out.Energy.At(0, 0, 0) != 20 {
		t.Error("valid row not split correctly")
	}
	if out.Charge.At(0, 1, 0) != 0 || out.Pt.At(0, 1, 0) != 0 || out.CosPhi.At(0, 1, 0) != 0 {
		t.Error("padded row not zeroed")
	}
}
