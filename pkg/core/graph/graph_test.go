package graph

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/sanonone/pfgnn/pkg/core/distance"
	"github.com/sanonone/pfgnn/pkg/core/lsh"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"gonum.org/v1/gonum/mat"
)

func randomMatrix(rng *rand.Rand, r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	m.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, m)
	return m
}

func TestTopK(t *testing.T) {
	tests := []struct {
		name string
		row  []float64
		k    int
		want []int
	}{
		{"basic", []float64{0.1, 0.9, 0.5, 0.7}, 2, []int{1, 3}},
		{"ties keep lower index", []float64{0.5, 0.5, 0.5}, 2, []int{0, 1}},
		{"k larger than row", []float64{0.3, 0.8}, 5, []int{1, 0}},
		{"zero k", []float64{0.3}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TopK(tt.row, tt.k)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d candidates, want %d", len(got), len(tt.want))
			}
			for i, c := range got {
				if c.Index != tt.want[i] {
					t.Errorf("rank %d: index %d, want %d", i, c.Index, tt.want[i])
				}
			}
		})
	}
}

func TestTopKNonIncreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 50; trial++ {
		row := make([]float64, 1+rng.Intn(40))
		for i := range row {
			row[i] = rng.Float64()
		}
		k := 1 + rng.Intn(8)
		got := TopK(row, k)
		if len(got) > k {
			t.Fatalf("returned %d > k=%d", len(got), k)
		}
		for i := 1; i < len(got); i++ {
			if got[i].Value > got[i-1].Value {
				t.Fatalf("values not non-increasing: %v", got)
			}
		}
	}
}

func TestReverseLSHInvertsGather(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	cb, _ := lsh.NewCodebook(6, 10, rng)
	x := randomMatrix(rng, 30, 6)
	bins, err := cb.Bin(x, 6, nil)
	if err != nil {
		t.Fatalf("Bin failed: %v", err)
	}
	parts, err := Gather(bins, x)
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	back, err := ReverseLSH(bins, parts)
	if err != nil {
		t.Fatalf("ReverseLSH failed: %v", err)
	}
	if !mat.Equal(back, x) {
		t.Error("ReverseLSH(Gather(x)) != x")
	}
}

func TestReverseLSHRejectsBadBins(t *testing.T) {
	bins := lsh.Bins{{0, 0}, {1, 2}}
	parts := []*mat.Dense{mat.NewDense(2, 1, nil), mat.NewDense(2, 1, nil)}
	if _, err := ReverseLSH(bins, parts); !errors.Is(err, lsh.ErrNotPermutation) {
		t.Fatalf("expected ErrNotPermutation, got %v", err)
	}
}

func TestSparseReorderSumsDuplicates(t *testing.T) {
	s := &Sparse{B: 2, N: 3, Edges: []Edge{
		{1, 0, 2, 0.5},
		{0, 2, 1, 0.25},
		{1, 0, 2, 0.25},
		{0, 0, 1, 1},
	}}
	s.Reorder()
	if s.NNZ() != 3 {
		t.Fatalf("NNZ = %d, want 3", s.NNZ())
	}
	if e := s.Edges[2]; e.Batch != 1 || e.Src != 0 || e.Dst != 2 || e.Weight != 0.75 {
		t.Errorf("merged edge = %+v", e)
	}
	ev := s.Event(0)
	if len(ev.Edges()) != 2 {
		t.Errorf("event 0 has %d edges, want 2", len(ev.Edges()))
	}
}

func TestEventPropagateMatchesDense(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	s := &Sparse{B: 1, N: 4}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if rng.Float64() < 0.5 {
				s.Edges = append(s.Edges, Edge{0, i, j, rng.Float64()})
			}
		}
	}
	s.Reorder()
	x := randomMatrix(rng, 4, 3)

	got, err := s.Event(0).Propagate(x)
	if err != nil {
		t.Fatalf("Propagate failed: %v", err)
	}
	want, _ := DenseAdj{M: s.ToDense(0)}.Propagate(x)
	if !mat.EqualApprox(got, want, 1e-12) {
		t.Error("sparse and dense propagation differ")
	}
}

func TestMeanIncomingIgnoresPadded(t *testing.T) {
	adj := DenseAdj{M: mat.NewDense(3, 3, []float64{
		1, 1, 1,
		1, 1, 1,
		1, 1, 1,
	})}
	x := mat.NewDense(3, 1, []float64{2, 4, 100})
	out, err := MeanIncoming(adj, x, []float64{1, 1, 0})
	if err != nil {
		t.Fatalf("MeanIncoming failed: %v", err)
	}
	if got := out.At(0, 0); got != 3 {
		t.Errorf("mean = %v, want 3", got)
	}
}

func TestSparseBuilder(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	const b, n, f = 2, 20, 5
	cfg := SparseConfig{
		InputDim:     f,
		DistanceDim:  8,
		MaxNumBins:   10,
		BinSize:      10,
		NumNeighbors: 3,
		DistMult:     0.1,
		Lanes:        2,
	}
	sb, err := NewSparseBuilder("dist", cfg, rng)
	if err != nil {
		t.Fatalf("NewSparseBuilder failed: %v", err)
	}
	events := make([]*mat.Dense, b)
	for i := range events {
		events[i] = randomMatrix(rng, n, f)
	}
	x, _ := tensor.FromEvents(events)

	g, err := sb.Build(context.Background(), x, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if g.Adj.NNZ() > b*n*cfg.NumNeighbors {
		t.Errorf("NNZ = %d exceeds %d", g.Adj.NNZ(), b*n*cfg.NumNeighbors)
	}
	for i := 0; i < b; i++ {
		if err := g.Bins[i].Validate(n); err != nil {
			t.Errorf("event %d: %v", i, err)
		}
		out := make([]int, n)
		for _, e := range g.Adj.Event(i).Edges() {
			out[e.Src]++
			if e.Weight <= 0 || e.Weight >= 1 {
				t.Errorf("refined weight %v outside (0,1)", e.Weight)
			}
		}
		for src, deg := range out {
			if deg > cfg.NumNeighbors {
				t.Errorf("event %d element %d has %d edges", i, src, deg)
			}
		}
	}
}

func TestSparseBuilderOverflowSkipsPadded(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const n, valid, f = 20, 15, 4
	sb, err := NewSparseBuilder("dist", SparseConfig{
		InputDim:     f,
		DistanceDim:  6,
		MaxNumBins:   10,
		BinSize:      10,
		NumNeighbors: 5,
		DistMult:     0.1,
		MaskPolicy:   lsh.MaskOverflow,
	}, rng)
	if err != nil {
		t.Fatalf("NewSparseBuilder failed: %v", err)
	}

	ev := mat.NewDense(n, f, nil)
	for i := 0; i < valid; i++ {
		row := ev.RawRowView(i)
		row[0] = float64(1 + rng.Intn(3))
		for j := 1; j < f; j++ {
			row[j] = rng.NormFloat64()
		}
	}
	x, _ := tensor.FromEvents([]*mat.Dense{ev})
	mask := x.Mask()

	g, err := sb.Build(context.Background(), x, mask)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	adj := g.Adj.Event(0)
	hasEdge := make([]bool, n)
	for _, e := range adj.Edges() {
		if mask[0][e.Src] == 0 || mask[0][e.Dst] == 0 {
			t.Errorf("edge %d -> %d touches a padded element", e.Src, e.Dst)
		}
		hasEdge[e.Src] = true
	}
	for i := 0; i < valid; i++ {
		if !hasEdge[i] {
			t.Errorf("valid element %d has no edges", i)
		}
	}
	deg := adj.Degrees()
	for i := valid; i < n; i++ {
		if deg[i] != 0 {
			t.Errorf("padded element %d has degree %v", i, deg[i])
		}
	}
}

func TestSparseBuilderValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := NewSparseBuilder("dist", SparseConfig{InputDim: 4, DistanceDim: 4, MaxNumBins: 4, BinSize: 2, NumNeighbors: 5}, rng)
	if !errors.Is(err, ErrInvalidNeighbors) {
		t.Fatalf("expected ErrInvalidNeighbors, got %v", err)
	}

	sb, err := NewSparseBuilder("dist", SparseConfig{InputDim: 4, DistanceDim: 4, MaxNumBins: 4, BinSize: 4, NumNeighbors: 2}, rng)
	if err != nil {
		t.Fatalf("NewSparseBuilder failed: %v", err)
	}
	x, _ := tensor.New(1, 10, 4)
	if _, err := sb.Build(context.Background(), x, nil); !errors.Is(err, lsh.ErrNotDivisible) {
		t.Fatalf("expected ErrNotDivisible, got %v", err)
	}
}

func TestDenseBuilderMasksAdjacency(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	const n = 20
	for _, k := range []distance.Kernel{distance.Gaussian, distance.Learnable, distance.Sigmoid} {
		t.Run(string(k), func(t *testing.T) {
			db, err := NewDenseBuilder("cg", DenseConfig{
				DistanceDim: 4,
				MaxNumBins:  10,
				BinSize:     10,
				DistMult:    0.1,
				Kernel:      k,
			}, rng)
			if err != nil {
				t.Fatalf("NewDenseBuilder failed: %v", err)
			}
			mask := make([]float64, n)
			for i := 0; i < 13; i++ {
				mask[i] = 1
			}
			g, err := db.Build(randomMatrix(rng, n, 4), randomMatrix(rng, n, 3), mask)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if err := g.Bins.Validate(n); err != nil {
				t.Fatalf("bins: %v", err)
			}
			for b, adj := range g.Adj {
				m := g.MaskBinned[b]
				for i := range m {
					for j := range m {
						v := adj.At(i, j)
						if (m[i] == 0 || m[j] == 0) && v != 0 {
							t.Errorf("bin %d: A[%d][%d] = %v on padded endpoint", b, i, j, v)
						}
						if math.IsNaN(v) || v < 0 || v > 1 {
							t.Errorf("bin %d: A[%d][%d] = %v out of range", b, i, j, v)
						}
					}
				}
			}
		})
	}
}
