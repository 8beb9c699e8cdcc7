package model

import (
	"context"
	"math/rand"
	"testing"
)

func benchmarkForward(b *testing.B, m Model, features int) {
	x := makeBatch(rand.New(rand.NewSource(1)), 200, features, 4, 200, 150, 120, 80)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Forward(context.Background(), x, ForwardOptions{}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPFNetForward(b *testing.B) {
	cfg := smallPFNetConfig()
	cfg.HiddenDimID, cfg.HiddenDimReg, cfg.DistanceDim = 32, 32, 32
	cfg.MaxNumBins = 40
	m, err := NewPFNet(cfg)
	if err != nil {
		b.Fatal(err)
	}
	benchmarkForward(b, m, cfg.NumInputFeatures)
}

func BenchmarkPFNetDenseForward(b *testing.B) {
	cfg := smallDenseConfig()
	cfg.HiddenDim, cfg.DistanceDim, cfg.Conv.OutputDim = 32, 16, 32
	cfg.BinSize = 50
	m, err := NewPFNetDense(cfg)
	if err != nil {
		b.Fatal(err)
	}
	benchmarkForward(b, m, cfg.NumInputFeatures)
}
