package biometric

import "math"

// Cosine returns the cosine similarity of a and b in [-1, 1]. Mismatched
// lengths and zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	s, _ := CosineChecked(a, b)
	return s
}

// CosineChecked is Cosine that also reports whether the inputs were
// comparable.
func CosineChecked(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return clamp(dot/(math.Sqrt(na)*math.Sqrt(nb)), -1, 1), true
}

// Normalize returns a unit length copy of v. Zero vectors come back as zeros.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	n := norm(v)
	if n == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
