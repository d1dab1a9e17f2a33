package device

import (
	"math"

	"github.com/23skdu/longbow-octdiff/internal/metrics"
)

// ActivationStats summarizes a feature field for auditing.
type ActivationStats struct {
	Max    float32
	Min    float32
	Mean   float32
	RMS    float32
	Zeros  int
	NaNs   int
	Infs   int
	Sample []float32 // evenly strided values, at most 32
}

// ComputeActivationStats scans data once. Non-finite values are counted and
// excluded from the moments.
func ComputeActivationStats(data []float32, sampleSize int) ActivationStats {
	stats := ActivationStats{}
	first := true
	sum, sumSq := 0.0, 0.0
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			stats.NaNs++
			continue
		}
		if math.IsInf(float64(v), 0) {
			stats.Infs++
			continue
		}
		if v == 0 {
			stats.Zeros++
		}
		if first || v > stats.Max {
			stats.Max = v
		}
		if first || v < stats.Min {
			stats.Min = v
		}
		first = false
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}

	if n := len(data) - stats.NaNs - stats.Infs; n > 0 {
		stats.Mean = float32(sum / float64(n))
		stats.RMS = float32(math.Sqrt(sumSq / float64(n)))
	}

	if sampleSize > 32 {
		sampleSize = 32
	}
	if len(data) > 0 && sampleSize > 0 {
		step := len(data) / sampleSize
		if step == 0 {
			step = 1
		}
		for i := 0; i < sampleSize && i*step < len(data); i++ {
			stats.Sample = append(stats.Sample, data[i*step])
		}
	}
	return stats
}

// Finite reports whether no NaN or Inf was seen.
func (s ActivationStats) Finite() bool {
	return s.NaNs == 0 && s.Infs == 0
}

// Audit computes stats for t and records non-finite values under its name.
func Audit(t *Tensor) ActivationStats {
	stats := ComputeActivationStats(t.data, 16)
	metrics.RecordNumericalInstability(t.name, stats.NaNs, stats.Infs)
	return stats
}
