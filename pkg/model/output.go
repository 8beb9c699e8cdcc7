package model

import (
	"context"
	"fmt"
	"math"

	"github.com/sanonone/pfgnn/pkg/core/graph"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"gonum.org/v1/gonum/mat"
)

// Output field names, in the order used by Output.Concat.
const (
	FieldCls    = "cls"
	FieldCharge = "charge"
	FieldPt     = "pt"
	FieldEta    = "eta"
	FieldSinPhi = "sin_phi"
	FieldCosPhi = "cos_phi"
	FieldEnergy = "energy"
)

// FieldNames lists the output fields in concatenation order.
var FieldNames = []string{FieldCls, FieldCharge, FieldPt, FieldEta, FieldSinPhi, FieldCosPhi, FieldEnergy}

// numMomentumOutputs is the number of regressed momentum components:
// pt, eta, sin_phi, cos_phi and energy.
const numMomentumOutputs = 5

// Model is implemented by PFNet, PFNetDense and DummyNet.
type Model interface {
	Name() string
	Forward(ctx context.Context, x *tensor.Batch, opts ForwardOptions) (*Output, error)
	Params() *ParamSet
}

// ForwardOptions control a single forward pass.
type ForwardOptions struct {
	// Training enables dropout.
	Training bool
	// Seed makes dropout reproducible; event i uses Seed+i.
	Seed int64
	// Lanes bounds per-event concurrency; <= 0 selects the model default.
	Lanes int
}

// Output holds the per-element predictions. Every field is zero on padded
// elements.
type Output struct {
	Cls    *tensor.Batch // (B, N, num_output_classes)
	Charge *tensor.Batch // (B, N, 1)
	Pt     *tensor.Batch
	Eta    *tensor.Batch
	SinPhi *tensor.Batch
	CosPhi *tensor.Batch
	Energy *tensor.Batch

	// Debug is only filled when the model is built with debug output enabled.
	Debug *Debug
}

// Debug carries intermediate results for introspection.
type Debug struct {
	// Combined holds the combined graph layer outputs per layer name, per event.
	Combined map[string][]*CombinedOutput
	// DecOutputID and DecOutputReg are the decoder inputs per event.
	DecOutputID  []*mat.Dense
	DecOutputReg []*mat.Dense
	// Sparse is the graph built by PFNet.
	Sparse *graph.SparseGraph
}

// Map returns the fields keyed by name.
func (o *Output) Map() map[string]*tensor.Batch {
	return map[string]*tensor.Batch{
		FieldCls:    o.Cls,
		FieldCharge: o.Charge,
		FieldPt:     o.Pt,
		FieldEta:    o.Eta,
		FieldSinPhi: o.SinPhi,
		FieldCosPhi: o.CosPhi,
		FieldEnergy: o.Energy,
	}
}

// Concat returns the single-tensor form: the fields joined along the feature
// axis in FieldNames order.
func (o *Output) Concat() (*tensor.Batch, error) {
	return tensor.Concat(o.Cls, o.Charge, o.Pt, o.Eta, o.SinPhi, o.CosPhi, o.Energy)
}

// headConfig are the output transforms shared by the models.
type headConfig struct {
	ptClip     [2]float64
	energyClip [2]float64
	// rawLogits skips softmax, for losses that take logits.
	rawLogits bool
}

// eventOutput is the output of one event before batching.
type eventOutput struct {
	cls, charge, pt, eta, sinPhi, cosPhi, energy *mat.Dense
}

// applyHeads turns raw logits, charge and momentum predictions into the
// physical outputs and zeroes padded rows in every field.
func applyHeads(h headConfig, logits, charge, momentum *mat.Dense, mask []float64) (eventOutput, error) {
	n, _ := logits.Dims()
	if _, c := momentum.Dims(); c < numMomentumOutputs {
		return eventOutput{}, fmt.Errorf("%w: %d momentum outputs, need %d", tensor.ErrShapeMismatch, c, numMomentumOutputs)
	}

	cls := mat.DenseCopyOf(logits)
	if !h.rawLogits {
		tensor.RowSoftmax(cls)
		tensor.Clip(cls, 0, 1)
	}
	ch := mat.DenseCopyOf(charge)
	tensor.Clip(ch, -2, 2)

	col := func(j int, transform func(float64) float64) *mat.Dense {
		out := mat.NewDense(n, 1, nil)
		for i := 0; i < n; i++ {
			out.Set(i, 0, transform(momentum.At(i, j)))
		}
		return out
	}
	identity := func(v float64) float64 { return v }
	expClip := func(bounds [2]float64) func(float64) float64 {
		return func(v float64) float64 {
			return math.Exp(math.Max(bounds[0], math.Min(bounds[1], v)))
		}
	}

	ev := eventOutput{
		cls:    cls,
		charge: ch,
		pt:     col(0, expClip(h.ptClip)),
		eta:    col(1, identity),
		sinPhi: col(2, identity),
		cosPhi: col(3, identity),
		energy: col(4, expClip(h.energyClip)),
	}
	for _, m := range []*mat.Dense{ev.cls, ev.charge, ev.pt, ev.eta, ev.sinPhi, ev.cosPhi, ev.energy} {
		if err := tensor.MaskRows(m, mask); err != nil {
			return eventOutput{}, err
		}
	}
	return ev, nil
}

// collect batches per-event outputs into an Output.
func collect(events []eventOutput) (*Output, error) {
	pick := func(f func(eventOutput) *mat.Dense) (*tensor.Batch, error) {
		ms := make([]*mat.Dense, len(events))
		for i, ev := range events {
			ms[i] = f(ev)
		}
		return tensor.FromEvents(ms)
	}
	var (
		out Output
		err error
	)
	fields := []struct {
		dst **tensor.Batch
		get func(eventOutput) *mat.Dense
	}{
		{&out.Cls, func(e eventOutput) *mat.Dense { return e.cls }},
		{&out.Charge, func(e eventOutput) *mat.Dense { return e.charge }},
		{&out.Pt, func(e eventOutput) *mat.Dense { return e.pt }},
		{&out.Eta, func(e eventOutput) *mat.Dense { return e.eta }},
		{&out.SinPhi, func(e eventOutput) *mat.Dense { return e.sinPhi }},
		{&out.CosPhi, func(e eventOutput) *mat.Dense { return e.cosPhi }},
		{&out.Energy, func(e eventOutput) *mat.Dense { return e.energy }},
	}
	for _, f := range fields {
		if *f.dst, err = pick(f.get); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// TargetsFromRows splits target rows (type, charge, pt, eta, sin_phi, cos_phi,
// energy) into the Output layout. The type index is one-hot encoded over
// numOutputClasses; the other fields are zeroed where the type is 0.
func TargetsFromRows(y *tensor.Batch, numOutputClasses int) (*Output, error) {
	_, _, f := y.Dims()
	if f < 7 {
		return nil, fmt.Errorf("%w: target rows need 7 columns, got %d", tensor.ErrShapeMismatch, f)
	}
	mask := y.Mask()
	events := make([]eventOutput, y.Len())
	for b, ev := range y.Events() {
		n, _ := ev.Dims()
		cls := mat.NewDense(n, numOutputClasses, nil)
		for i := 0; i < n; i++ {
			oneHot(cls.RawRowView(i), ev.At(i, 0))
		}
		column := func(j int) *mat.Dense {
			out := mat.NewDense(n, 1, nil)
			for i := 0; i < n; i++ {
				out.Set(i, 0, ev.At(i, j)*mask[b][i])
			}
			return out
		}
		events[b] = eventOutput{
			cls:    cls,
			charge: column(1),
			pt:     column(2),
			eta:    column(3),
			sinPhi: column(4),
			cosPhi: column(5),
			energy: column(6),
		}
	}
	return collect(events)
}
