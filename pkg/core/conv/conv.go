// Package conv implements the message-passing layers that run over the
// graphs built in package graph. Every layer maps (features, adjacency, mask)
// to new features and zeroes the rows of padded elements.
package conv

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/sanonone/pfgnn/pkg/core/graph"
	"github.com/sanonone/pfgnn/pkg/core/nn"
	"gonum.org/v1/gonum/mat"
)

// ErrUnknownKind is returned when a convolution type name is not supported.
var ErrUnknownKind = errors.New("unknown convolution type")

// Kind selects a convolution implementation.
type Kind int

const (
	// GHConv is the gated convolution used over the sparse LSH graph.
	GHConv Kind = iota
	// GHConvDense is the gated convolution used over dense bin-local graphs.
	GHConvDense
	// MPNNNodeFunction averages incoming messages and runs an FFN on
	// concat(x, message).
	MPNNNodeFunction
)

var kindNames = map[Kind]string{
	GHConv:           "GHConv",
	GHConvDense:      "GHConvDense",
	MPNNNodeFunction: "MPNNNodeFunction",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a configuration name to a Kind. "ghconv" is accepted for GHConv.
func ParseKind(name string) (Kind, error) {
	for k, s := range kindNames {
		if s == name {
			return k, nil
		}
	}
	if name == "ghconv" {
		return GHConv, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Layer is one graph convolution.
type Layer interface {
	Kind() Kind
	OutputDim() int
	Forward(x *mat.Dense, adj graph.Adjacency, mask []float64) (*mat.Dense, error)
	Params(group string) []nn.Param
}

// Config holds the parameters shared by all kinds. OutputDim defaults to
// InputDim; HiddenDim and NumLayers are only used by MPNNNodeFunction.
type Config struct {
	Kind             Kind
	InputDim         int
	OutputDim        int
	Activation       nn.Activation
	NormalizeDegrees bool
	HiddenDim        int
	NumLayers        int
}

// New builds a layer of cfg.Kind.
func New(name string, cfg Config, rng *rand.Rand) (Layer, error) {
	if cfg.InputDim <= 0 {
		return nil, fmt.Errorf("conv %q: input width must be positive, got %d", name, cfg.InputDim)
	}
	if cfg.OutputDim <= 0 {
		cfg.OutputDim = cfg.InputDim
	}
	switch cfg.Kind {
	case GHConv:
		// The sparse layer always normalizes and keeps the input width.
		cfg.OutputDim = cfg.InputDim
		return newGated(name, cfg, false, rng), nil
	case GHConvDense:
		return newGated(name, cfg, true, rng), nil
	case MPNNNodeFunction:
		return newMPNN(name, cfg, rng)
	default:
		return nil, fmt.Errorf("conv %q: %w: %v", name, ErrUnknownKind, cfg.Kind)
	}
}

func checkInput(name string, x *mat.Dense, adj graph.Adjacency, mask []float64, width int) error {
	r, c := x.Dims()
	if c != width {
		return fmt.Errorf("conv %q: input width %d, want %d", name, c, width)
	}
	if adj.Len() != r || len(mask) != r {
		return fmt.Errorf("conv %q: %w: %d rows, %d nodes, %d mask entries", name, graph.ErrShapeMismatch, r, adj.Len(), len(mask))
	}
	return nil
}
