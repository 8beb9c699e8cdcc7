package graph

import (
	"fmt"
	"math/rand"

	"github.com/sanonone/pfgnn/pkg/core/distance"
	"github.com/sanonone/pfgnn/pkg/core/lsh"
	"github.com/sanonone/pfgnn/pkg/core/nn"
	"github.com/sanonone/pfgnn/pkg/metrics"
	"gonum.org/v1/gonum/mat"
)

// DenseConfig configures the dense bin-local graph builder.
type DenseConfig struct {
	DistanceDim int
	MaxNumBins  int
	BinSize     int
	DistMult    float64
	ClipLow     float64
	Kernel      distance.Kernel
}

// DenseGraph holds one event in bin-local dense form.
type DenseGraph struct {
	Bins lsh.Bins
	// XBinned[b] is the binSize×F block of features in bin b.
	XBinned []*mat.Dense
	// Adj[b] is the binSize×binSize similarity matrix of bin b, zero on
	// every row and column of a padded element.
	Adj []*mat.Dense
	// MaskBinned[b][s] is the validity of the element in slot s of bin b.
	MaskBinned [][]float64
}

// DenseBuilder computes a full similarity matrix inside every LSH bin.
// Padded elements are hashed into the trailing overflow bins.
type DenseBuilder struct {
	name     string
	cfg      DenseConfig
	codebook *lsh.Codebook
	kernel   distance.Similarity
}

// NewDenseBuilder validates cfg and builds the codebook and kernel.
func NewDenseBuilder(name string, cfg DenseConfig, rng *rand.Rand) (*DenseBuilder, error) {
	if cfg.BinSize <= 0 {
		return nil, fmt.Errorf("dense graph %q: bin size must be positive, got %d", name, cfg.BinSize)
	}
	codebook, err := lsh.NewCodebook(cfg.DistanceDim, cfg.MaxNumBins, rng)
	if err != nil {
		return nil, err
	}
	kernel, err := distance.GetKernel(name+"/kernel", cfg.Kernel, distance.Options{
		DistMult: cfg.DistMult,
		ClipLow:  cfg.ClipLow,
		Dim:      cfg.DistanceDim,
	}, rng)
	if err != nil {
		return nil, err
	}
	return &DenseBuilder{name: name, cfg: cfg, codebook: codebook, kernel: kernel}, nil
}

// Params returns the kernel parameters and the frozen codebook.
func (db *DenseBuilder) Params(group string) []nn.Param {
	ps := db.kernel.Params(group)
	return append(ps, nn.Param{Name: db.name + "/lsh_projections", Group: group, Value: db.codebook.R, Frozen: true})
}

// Build bins one event. xDist is the N×distance_dim embedding used for
// hashing and similarity; xFeat is the N×F block carried into the bins.
func (db *DenseBuilder) Build(xDist, xFeat *mat.Dense, mask []float64) (*DenseGraph, error) {
	n, _ := xDist.Dims()
	if fn, _ := xFeat.Dims(); fn != n || len(mask) != n {
		return nil, fmt.Errorf("%w: %d distance rows, %d feature rows, %d mask entries", ErrShapeMismatch, n, fn, len(mask))
	}
	bins, err := db.codebook.Bin(xDist, db.cfg.BinSize, mask)
	if err != nil {
		return nil, fmt.Errorf("dense graph %q: %w", db.name, err)
	}
	distBinned, err := Gather(bins, xDist)
	if err != nil {
		return nil, err
	}
	featBinned, err := Gather(bins, xFeat)
	if err != nil {
		return nil, err
	}
	maskBinned := GatherMask(bins, mask)

	adj := make([]*mat.Dense, len(bins))
	var edges int
	for b := range bins {
		sim, err := db.kernel.Pairwise(distBinned[b])
		if err != nil {
			return nil, fmt.Errorf("dense graph %q: %w", db.name, err)
		}
		m := maskBinned[b]
		for i := range m {
			row := sim.RawRowView(i)
			for j := range row {
				row[j] *= m[i] * m[j]
				if row[j] != 0 {
					edges++
				}
			}
		}
		adj[b] = sim
	}

	metrics.GraphEdgesTotal.WithLabelValues("dense").Add(float64(edges))
	metrics.GraphBins.WithLabelValues("dense").Set(float64(len(bins)))
	return &DenseGraph{Bins: bins, XBinned: featBinned, Adj: adj, MaskBinned: maskBinned}, nil
}
