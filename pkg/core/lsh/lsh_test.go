package lsh

import (
	"errors"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func randomEmbeddings(rng *rand.Rand, n, d int) *mat.Dense {
	x := mat.NewDense(n, d, nil)
	x.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, x)
	return x
}

func TestBinIsPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	cb, err := NewCodebook(8, 20, rng)
	if err != nil {
		t.Fatalf("NewCodebook failed: %v", err)
	}

	tests := []struct {
		name    string
		n       int
		binSize int
	}{
		{"single bin", 10, 10},
		{"two bins", 20, 10},
		{"odd bin count", 30, 10},
		{"many bins", 64, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bins, err := cb.Bin(randomEmbeddings(rng, tt.n, 8), tt.binSize, nil)
			if err != nil {
				t.Fatalf("Bin failed: %v", err)
			}
			if bins.NumBins() != tt.n/tt.binSize || bins.BinSize() != tt.binSize {
				t.Fatalf("got %d bins of %d", bins.NumBins(), bins.BinSize())
			}
			if err := bins.Validate(tt.n); err != nil {
				t.Errorf("not a permutation: %v", err)
			}
		})
	}
}

func TestMaskedElementsGoToOverflow(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	cb, _ := NewCodebook(4, 8, rng)

	const n, binSize = 16, 4
	mask := make([]float64, n)
	for i := 0; i < 6; i++ {
		mask[i] = 1
	}
	bins, err := cb.Bin(randomEmbeddings(rng, n, 4), binSize, mask)
	if err != nil {
		t.Fatalf("Bin failed: %v", err)
	}
	if err := bins.Validate(n); err != nil {
		t.Fatalf("not a permutation: %v", err)
	}

	// All 6 valid elements must sort ahead of the 10 padded ones.
	flat := bins.Flat()
	for k, idx := range flat {
		valid := mask[idx] == 1
		if k < 6 && !valid {
			t.Errorf("slot %d holds padded element %d ahead of valid ones", k, idx)
		}
		if k >= 6 && valid {
			t.Errorf("slot %d holds valid element %d in the overflow region", k, idx)
		}
	}
}

func TestAssignUsesArgmaxAndStableOrder(t *testing.T) {
	scores := mat.NewDense(4, 2, []float64{
		0, 1, // bucket 1
		2, 1, // bucket 0
		0, 5, // bucket 1
		3, 0, // bucket 0
	})
	bins, err := Assign(scores, 4, 2, 2, nil)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	want := [][]int{{1, 3}, {0, 2}}
	for b := range want {
		for s := range want[b] {
			if bins[b][s] != want[b][s] {
				t.Fatalf("bins = %v, want %v", bins, want)
			}
		}
	}
}

func TestNotDivisible(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cb, _ := NewCodebook(4, 8, rng)
	_, err := cb.Bin(randomEmbeddings(rng, 15, 4), 4, nil)
	if !errors.Is(err, ErrNotDivisible) {
		t.Fatalf("expected ErrNotDivisible, got %v", err)
	}
}

func TestTooManyBins(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cb, _ := NewCodebook(4, 4, rng)
	_, err := cb.Bin(randomEmbeddings(rng, 40, 4), 4, nil)
	if !errors.Is(err, ErrTooManyBins) {
		t.Fatalf("expected ErrTooManyBins, got %v", err)
	}
}

func TestValidateRejectsRepeats(t *testing.T) {
	bins := Bins{{0, 1}, {1, 3}}
	if err := bins.Validate(4); !errors.Is(err, ErrNotPermutation) {
		t.Fatalf("expected ErrNotPermutation, got %v", err)
	}
}

func TestInverse(t *testing.T) {
	bins := Bins{{2, 0}, {3, 1}}
	pos := bins.Inverse()
	flat := bins.Flat()
	for i := range pos {
		if flat[pos[i]] != i {
			t.Errorf("flat[pos[%d]] = %d", i, flat[pos[i]])
		}
	}
}

func TestParseMaskPolicy(t *testing.T) {
	if p, err := ParseMaskPolicy(""); err != nil || p != MaskIgnore {
		t.Errorf("default policy: %q, %v", p, err)
	}
	if _, err := ParseMaskPolicy("drop"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
