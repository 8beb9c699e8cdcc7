package model

import (
	"fmt"
	"math"

	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"gonum.org/v1/gonum/mat"
)

// Encoding turns raw element features into the model input embedding.
// Encodings have no trainable parameters.
type Encoding interface {
	// Width returns the embedding width for raw inputs of width f.
	Width(f int) int
	// Encode transforms one event.
	Encode(x *mat.Dense) (*mat.Dense, error)
}

// EncodingName selects an input encoding.
type EncodingName string

const (
	EncodingDefault EncodingName = "default"
	EncodingCMS     EncodingName = "cms"
)

// minCMSFeatures is the raw width the CMS encoding reads from (features 0..12).
const minCMSFeatures = 13

// NewEncoding returns the encoding for name.
func NewEncoding(name EncodingName, numInputClasses int) (Encoding, error) {
	if numInputClasses <= 0 {
		return nil, fmt.Errorf("input encoding: number of input classes must be positive, got %d", numInputClasses)
	}
	switch name {
	case EncodingDefault, "":
		return InputEncoding{NumInputClasses: numInputClasses}, nil
	case EncodingCMS:
		return InputEncodingCMS{NumInputClasses: numInputClasses}, nil
	default:
		return nil, fmt.Errorf("unknown input encoding %q", name)
	}
}

// oneHot writes the one-hot code of the element type into dst. Types outside
// [0, len(dst)) leave dst zero.
func oneHot(dst []float64, typ float64) {
	idx := int(typ)
	if idx >= 0 && idx < len(dst) {
		dst[idx] = 1
	}
}

// InputEncoding one-hot encodes feature 0 and passes features 1.. through.
type InputEncoding struct {
	NumInputClasses int
}

func (e InputEncoding) Width(f int) int { return e.NumInputClasses + f - 1 }

func (e InputEncoding) Encode(x *mat.Dense) (*mat.Dense, error) {
	n, f := x.Dims()
	if f < 1 {
		return nil, fmt.Errorf("%w: input encoding needs at least 1 feature", tensor.ErrShapeMismatch)
	}
	c := e.NumInputClasses
	out := mat.NewDense(n, e.Width(f), nil)
	for i := 0; i < n; i++ {
		src, dst := x.RawRowView(i), out.RawRowView(i)
		oneHot(dst[:c], src[0])
		copy(dst[c:], src[1:])
	}
	return out, nil
}

// InputEncodingCMS adds engineered features for CMS detector elements:
// log-compressed pt and energy, sinh/cosh of eta, sin/cos of the angles and
// rescaled layer and depth codes. The raw features are appended unchanged.
type InputEncodingCMS struct {
	NumInputClasses int
}

// cmsEngineered is the number of engineered columns between the one-hot block
// and the raw features.
const cmsEngineered = 12

func (e InputEncodingCMS) Width(f int) int { return e.NumInputClasses + cmsEngineered + f }

func (e InputEncodingCMS) Encode(x *mat.Dense) (*mat.Dense, error) {
	n, f := x.Dims()
	if f < minCMSFeatures {
		return nil, fmt.Errorf("%w: cms encoding needs %d features, got %d", tensor.ErrShapeMismatch, minCMSFeatures, f)
	}
	c := e.NumInputClasses
	out := mat.NewDense(n, e.Width(f), nil)
	for i := 0; i < n; i++ {
		src, dst := x.RawRowView(i), out.RawRowView(i)
		oneHot(dst[:c], src[0])
		eng := dst[c : c+cmsEngineered]
		eng[0] = math.Log(src[1] + 1)
		eng[1] = math.Sinh(src[2])
		eng[2] = math.Cosh(src[2])
		eng[3] = math.Sin(src[3])
		eng[4] = math.Cos(src[3])
		eng[5] = math.Log(src[4] + 1)
		eng[6] = src[5] * 10
		eng[7] = src[6] * 10
		eng[8] = math.Sin(src[10])
		eng[9] = math.Cos(src[10])
		eng[10] = math.Sin(src[12])
		eng[11] = math.Cos(src[12])
		copy(dst[c+cmsEngineered:], src)
	}
	return out, nil
}
