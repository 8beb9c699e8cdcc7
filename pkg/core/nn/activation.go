// Package nn contains the small set of neural network building blocks the
// models are assembled from: dense layers, point-wise feed-forward stacks,
// layer normalization and dropout. All of them operate row-wise on gonum
// matrices, one row per element.
package nn

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Activation names an element-wise nonlinearity.
type Activation string

const (
	Linear  Activation = "linear"
	ELU     Activation = "elu"
	SELU    Activation = "selu"
	ReLU    Activation = "relu"
	Tanh    Activation = "tanh"
	Sigmoid Activation = "sigmoid"
)

// SELU constants from Klambauer et al.
const (
	seluAlpha = 1.6732632423543772848170429916717
	seluScale = 1.0507009873554804934193349852946
)

// ErrUnknownActivation is returned for activation names outside the supported set.
var ErrUnknownActivation = errors.New("unknown activation")

var activationFuncs = map[Activation]func(float64) float64{
	Linear:  func(v float64) float64 { return v },
	ELU:     elu,
	SELU:    func(v float64) float64 { return seluScale * eluAlpha(v, seluAlpha) },
	ReLU:    func(v float64) float64 { return math.Max(0, v) },
	Tanh:    math.Tanh,
	Sigmoid: SigmoidScalar,
}

// ParseActivation validates an activation name. The empty string maps to Linear.
func ParseActivation(name string) (Activation, error) {
	if name == "" {
		return Linear, nil
	}
	a := Activation(name)
	if _, ok := activationFuncs[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownActivation, name)
	}
	return a, nil
}

// Func returns the scalar function for a. Unknown activations fall back to identity.
func (a Activation) Func() func(float64) float64 {
	if fn, ok := activationFuncs[a]; ok {
		return fn
	}
	return activationFuncs[Linear]
}

// Apply runs the activation over m in place.
func (a Activation) Apply(m *mat.Dense) {
	if a == Linear || a == "" {
		return
	}
	fn := a.Func()
	m.Apply(func(_, _ int, v float64) float64 { return fn(v) }, m)
}

func elu(v float64) float64 { return eluAlpha(v, 1) }

func eluAlpha(v, alpha float64) float64 {
	if v > 0 {
		return v
	}
	return alpha * math.Expm1(v)
}

// SigmoidScalar is the logistic function, split by sign to avoid overflow in exp.
func SigmoidScalar(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}
