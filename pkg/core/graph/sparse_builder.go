package graph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/sanonone/pfgnn/pkg/core/distance"
	"github.com/sanonone/pfgnn/pkg/core/lsh"
	"github.com/sanonone/pfgnn/pkg/core/nn"
	"github.com/sanonone/pfgnn/pkg/core/parallel"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"github.com/sanonone/pfgnn/pkg/metrics"
	"gonum.org/v1/gonum/mat"
)

// SparseConfig configures the sparse LSH graph builder.
type SparseConfig struct {
	InputDim     int
	DistanceDim  int
	MaxNumBins   int
	BinSize      int
	NumNeighbors int
	DistMult     float64
	MaskPolicy   lsh.MaskPolicy
	// Lanes bounds per-event concurrency; <= 0 selects parallel.DefaultLanes.
	Lanes int
}

// SparseGraph is the output of SparseBuilder.Build.
type SparseGraph struct {
	// Adj holds at most NumNeighbors refined edges per element.
	Adj *Sparse
	// Bins is the bin assignment of every event.
	Bins []lsh.Bins
	// Embedding is the distance embedding of every event.
	Embedding []*mat.Dense
}

// SparseBuilder hashes elements into bins, keeps the top-k Gaussian
// neighbors of each element inside its bin and refines the kept edge weights
// with a small network over (x_src, x_dst, similarity).
type SparseBuilder struct {
	name     string
	cfg      SparseConfig
	encoding *nn.FFN
	edge     *nn.FFN
	codebook *lsh.Codebook
	kernel   distance.Similarity
}

// NewSparseBuilder validates cfg and initializes the builder's networks.
func NewSparseBuilder(name string, cfg SparseConfig, rng *rand.Rand) (*SparseBuilder, error) {
	if cfg.NumNeighbors < 1 || cfg.NumNeighbors > cfg.BinSize {
		return nil, fmt.Errorf("%w: %d neighbors with bin size %d", ErrInvalidNeighbors, cfg.NumNeighbors, cfg.BinSize)
	}
	if cfg.MaskPolicy == "" {
		cfg.MaskPolicy = lsh.MaskIgnore
	}
	encoding, err := nn.NewFFN(name+"/layer_encoding", cfg.InputDim, cfg.DistanceDim, 128, 1, nn.ELU, rng)
	if err != nil {
		return nil, err
	}
	edge, err := nn.NewFFN(name+"/layer_edge", 2*cfg.InputDim+1, 1, 128, 1, nn.ELU, rng)
	if err != nil {
		return nil, err
	}
	codebook, err := lsh.NewCodebook(cfg.DistanceDim, cfg.MaxNumBins, rng)
	if err != nil {
		return nil, err
	}
	kernel, err := distance.GetKernel(name+"/kernel", distance.Gaussian, distance.Options{DistMult: cfg.DistMult}, rng)
	if err != nil {
		return nil, err
	}
	slog.Debug("[Graph] sparse builder ready",
		"name", name,
		"distance_dim", cfg.DistanceDim,
		"bin_size", cfg.BinSize,
		"neighbors", cfg.NumNeighbors,
		"mask_policy", cfg.MaskPolicy,
	)
	return &SparseBuilder{
		name:     name,
		cfg:      cfg,
		encoding: encoding,
		edge:     edge,
		codebook: codebook,
		kernel:   kernel,
	}, nil
}

// Codebook returns the fixed LSH rotations.
func (sb *SparseBuilder) Codebook() *lsh.Codebook { return sb.codebook }

// Params returns the trainable networks and the frozen codebook.
func (sb *SparseBuilder) Params(group string) []nn.Param {
	ps := sb.encoding.Params(group)
	ps = append(ps, sb.edge.Params(group)...)
	return append(ps, nn.Param{Name: sb.name + "/lsh_projections", Group: group, Value: sb.codebook.R, Frozen: true})
}

type eventEdges struct {
	bins  lsh.Bins
	emb   *mat.Dense
	edges []Edge
}

// Build constructs the graph for x, one event per lane. mask is only used
// with MaskOverflow and may be nil otherwise. Under MaskOverflow no edge
// starts or ends at a padded element.
func (sb *SparseBuilder) Build(ctx context.Context, x *tensor.Batch, mask [][]float64) (*SparseGraph, error) {
	b, n, _ := x.Dims()
	if _, err := sb.codebook.NumBins(n, sb.cfg.BinSize); err != nil {
		return nil, fmt.Errorf("sparse graph %q: %w", sb.name, err)
	}

	per, err := parallel.Map(ctx, sb.cfg.Lanes, b, func(_ context.Context, i int) (eventEdges, error) {
		var m []float64
		if sb.cfg.MaskPolicy == lsh.MaskOverflow && mask != nil {
			m = mask[i]
		}
		return sb.buildEvent(i, x.Event(i), m)
	})
	if err != nil {
		return nil, fmt.Errorf("sparse graph %q: %w", sb.name, err)
	}

	g := &SparseGraph{
		Adj:       &Sparse{B: b, N: n},
		Bins:      make([]lsh.Bins, b),
		Embedding: make([]*mat.Dense, b),
	}
	for i, ev := range per {
		g.Adj.Edges = append(g.Adj.Edges, ev.edges...)
		g.Bins[i] = ev.bins
		g.Embedding[i] = ev.emb
	}
	g.Adj.Reorder()

	if err := sb.refine(x, g.Adj); err != nil {
		return nil, fmt.Errorf("sparse graph %q: %w", sb.name, err)
	}

	metrics.GraphEdgesTotal.WithLabelValues("sparse").Add(float64(g.Adj.NNZ()))
	if b > 0 {
		metrics.GraphBins.WithLabelValues("sparse").Set(float64(g.Bins[b-1].NumBins()))
	}
	return g, nil
}

// buildEvent bins one event and emits its raw top-k similarity edges.
func (sb *SparseBuilder) buildEvent(batch int, x *mat.Dense, mask []float64) (eventEdges, error) {
	emb, err := sb.encoding.Forward(x)
	if err != nil {
		return eventEdges{}, err
	}
	bins, err := sb.codebook.Bin(emb, sb.cfg.BinSize, mask)
	if err != nil {
		return eventEdges{}, err
	}
	parts, err := Gather(bins, emb)
	if err != nil {
		return eventEdges{}, err
	}

	var binMask [][]float64
	if mask != nil {
		binMask = GatherMask(bins, mask)
	}

	edges := make([]Edge, 0, len(bins)*sb.cfg.BinSize*sb.cfg.NumNeighbors)
	for bi, bin := range bins {
		sim, err := sb.kernel.Pairwise(parts[bi])
		if err != nil {
			return eventEdges{}, err
		}
		if binMask != nil {
			maskColumns(sim, binMask[bi])
		}
		for s, src := range bin {
			if binMask != nil && binMask[bi][s] == 0 {
				continue
			}
			for _, c := range TopK(sim.RawRowView(s), sb.cfg.NumNeighbors) {
				if math.IsInf(c.Value, -1) {
					continue
				}
				edges = append(edges, Edge{Batch: batch, Src: src, Dst: bin[c.Index], Weight: c.Value})
			}
		}
	}
	return eventEdges{bins: bins, emb: emb, edges: edges}, nil
}

// maskColumns sets the similarity to padded destinations to -Inf so top-k
// never selects them.
func maskColumns(sim *mat.Dense, mask []float64) {
	r, _ := sim.Dims()
	for i := 0; i < r; i++ {
		row := sim.RawRowView(i)
		for j, m := range mask {
			if m == 0 {
				row[j] = math.Inf(-1)
			}
		}
	}
}

// refine replaces every edge weight by sigmoid(edgeFFN(x_src, x_dst, w)).
func (sb *SparseBuilder) refine(x *tensor.Batch, adj *Sparse) error {
	if adj.NNZ() == 0 {
		return nil
	}
	_, _, f := x.Dims()
	in := mat.NewDense(adj.NNZ(), 2*f+1, nil)
	for k, e := range adj.Edges {
		row := in.RawRowView(k)
		ev := x.Event(e.Batch)
		copy(row[:f], ev.RawRowView(e.Src))
		copy(row[f:2*f], ev.RawRowView(e.Dst))
		row[2*f] = e.Weight
	}
	out, err := sb.edge.Forward(in)
	if err != nil {
		return err
	}
	for k := range adj.Edges {
		adj.Edges[k].Weight = nn.SigmoidScalar(out.At(k, 0))
	}
	return nil
}
