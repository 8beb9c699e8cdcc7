package persistence

import (
	"log/slog"
	"math"
	"sort"
)

// Quantizer holds the parameters for symmetric scalar quantization of a
// parameter matrix into the int8 range [-127, 127].
type Quantizer struct {
	AbsMax float64
}

// Train sets AbsMax to the 99.9th percentile of |v| so a handful of extreme
// weights do not flatten the resolution of all the others.
func (q *Quantizer) Train(values []float64) {
	if len(values) == 0 {
		return
	}

	abs := make([]float64, len(values))
	for i, v := range values {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)

	idx := int(float64(len(abs)) * 0.999)
	if idx >= len(abs) {
		idx = len(abs) - 1
	}
	q.AbsMax = abs[idx]
	slog.Debug("[Quantizer] training complete", "abs_max", q.AbsMax, "values", len(values))
}

// Quantize maps values onto int8, clipping anything beyond ±AbsMax.
func (q *Quantizer) Quantize(values []float64) []int8 {
	out := make([]int8, len(values))
	if q.AbsMax == 0 {
		return out
	}
	for i, v := range values {
		scaled := v / q.AbsMax * 127
		if scaled > 127 {
			scaled = 127
		} else if scaled < -127 {
			scaled = -127
		}
		out[i] = int8(math.Round(scaled))
	}
	return out
}

// Dequantize is the approximate inverse of Quantize.
func (q *Quantizer) Dequantize(values []int8) []float64 {
	out := make([]float64, len(values))
	if q.AbsMax == 0 {
		return out
	}
	for i, v := range values {
		out[i] = float64(v) / 127 * q.AbsMax
	}
	return out
}
