package biometric

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoEmbeddings is returned when aggregation receives no input.
var ErrNoEmbeddings = errors.New("biometric: no embeddings to aggregate")

// ErrDimensionMismatch is returned when aggregated embeddings differ in length.
var ErrDimensionMismatch = errors.New("biometric: embedding dimensions differ")

// Average combines per-frame embeddings into one representative vector.
// Inputs are L2-normalised before summing so no single frame dominates; the
// mean is normalised again. If every input is zero the result is zero.
func Average(embeddings [][]float32) ([]float32, error) {
	if len(embeddings) == 0 {
		return nil, ErrNoEmbeddings
	}
	dim := len(embeddings[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrDimensionMismatch)
	}

	sum := make([]float64, dim)
	for i, e := range embeddings {
		if len(e) != dim {
			return nil, fmt.Errorf("%w: index %d has %d, want %d", ErrDimensionMismatch, i, len(e), dim)
		}
		n := norm(e)
		if n == 0 {
			continue
		}
		for j, x := range e {
			sum[j] += float64(x) / n
		}
	}

	var total float64
	for _, x := range sum {
		total += x * x
	}
	out := make([]float32, dim)
	if total == 0 {
		return out, nil
	}
	total = math.Sqrt(total)
	for j, x := range sum {
		out[j] = float32(x / total)
	}
	return out, nil
}

// Consistency scores how tightly the embeddings agree:
// 1 - min(1, mean per-dimension population standard deviation).
// A single embedding is perfectly consistent.
func Consistency(embeddings [][]float32) float64 {
	if len(embeddings) < 2 {
		return 1
	}
	dim := len(embeddings[0])
	if dim == 0 {
		return 1
	}
	count := float64(len(embeddings))
	var stdSum float64
	for j := 0; j < dim; j++ {
		var mean float64
		for _, e := range embeddings {
			if j < len(e) {
				mean += float64(e[j])
			}
		}
		mean /= count
		var variance float64
		for _, e := range embeddings {
			var x float64
			if j < len(e) {
				x = float64(e[j])
			}
			variance += (x - mean) * (x - mean)
		}
		stdSum += math.Sqrt(variance / count)
	}
	return 1 - math.Min(1, stdSum/float64(dim))
}

// Quality blends detection rate, mean detector confidence and consistency
// into a [0, 1] enrollment quality score.
func Quality(detectionRate, meanConfidence, consistency float64) float64 {
	q := 0.3*clamp(detectionRate, 0, 1) + 0.4*clamp(meanConfidence, 0, 1) + 0.3*clamp(consistency, 0, 1)
	return clamp(q, 0, 1)
}
