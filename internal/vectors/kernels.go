package vectors

import "math"

// Metric names the configured distance function (vectors.distance_metric).
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
	MetricL2     Metric = "l2"
)

// DotProduct returns the dot product of a and b. Dimension mismatch is the
// caller's responsibility to avoid (per spec, CPU-feature dispatch and
// bounds policing live outside this package); here we simply use the
// shorter length.
func DotProduct(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// L2Norm returns the Euclidean norm of v.
func L2Norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

// L2Distance returns the Euclidean distance between a and b.
func L2Distance(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// Cosine returns dot(a,b) / (||a|| * ||b||), or 0 if either magnitude is
// zero or the dimensions disagree.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := L2Norm(a), L2Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return DotProduct(a, b) / (na * nb)
}

// Score computes a's similarity to b according to the configured metric.
// For MetricL2 the raw distance is converted to a similarity (smaller
// distance -> larger score) via 1/(1+d) so that all three metrics share the
// "higher is more similar" convention used by the search engine.
func Score(metric Metric, a, b []float32) float32 {
	switch metric {
	case MetricDot:
		return DotProduct(a, b)
	case MetricL2:
		return 1 / (1 + L2Distance(a, b))
	default:
		return Cosine(a, b)
	}
}
