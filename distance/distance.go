package distance

import (
	"math"

	"github.com/viterin/vek/vek32"
)

const (
	// HammingEpsilon is the tolerance under which two coordinates count as equal.
	HammingEpsilon = 1e-5

	// JaccardThreshold binarizes coordinates for the Jaccard metric.
	JaccardThreshold = 0.5

	// cosineNormFloor keeps the cosine denominator away from zero.
	cosineNormFloor = 1e-12
)

// Dot calculates the dot product of two vectors of equal length.
func Dot(a, b []float32) float32 {
	return vek32.Dot(a, b)
}

// SquaredNorm returns Σ v[i]².
func SquaredNorm(v []float32) float32 {
	return vek32.Dot(v, v)
}

// EuclideanDistance returns the L2 distance between a and b.
func EuclideanDistance(a, b []float32) float32 {
	return EuclideanWithNorms(a, SquaredNorm(a), b, SquaredNorm(b))
}

// EuclideanWithNorms computes sqrt(max(0, |a|² + |b|² − 2·a·b)) from cached squared norms.
func EuclideanWithNorms(a []float32, aNorm float32, b []float32, bNorm float32) float32 {
	d := aNorm + bNorm - 2*vek32.Dot(a, b)
	if d < 0 {
		d = 0
	}
	return float32(math.Sqrt(float64(d)))
}

// CosineDistance returns 1 − cos(a, b) clamped to [0, 1].
func CosineDistance(a, b []float32) float32 {
	return CosineWithNorms(a, SquaredNorm(a), b, SquaredNorm(b))
}

// CosineWithNorms is CosineDistance using cached squared norms. A zero norm yields 1.
func CosineWithNorms(a []float32, aNorm float32, b []float32, bNorm float32) float32 {
	denom := max(sqrt32(aNorm), cosineNormFloor) * max(sqrt32(bNorm), cosineNormFloor)
	d := 1 - vek32.Dot(a, b)/denom
	switch {
	case d < 0:
		return 0
	case d > 1:
		return 1
	}
	return d
}

// AngularDistance returns the angle between a and b in radians.
func AngularDistance(a, b []float32) float32 {
	return AngularWithNorms(a, SquaredNorm(a), b, SquaredNorm(b))
}

// AngularWithNorms is AngularDistance using cached squared norms. A zero norm yields π/2.
func AngularWithNorms(a []float32, aNorm float32, b []float32, bNorm float32) float32 {
	na, nb := sqrt32(aNorm), sqrt32(bNorm)
	if na == 0 || nb == 0 {
		return math.Pi / 2
	}
	cos := float64(vek32.Dot(a, b) / (na * nb))
	cos = math.Max(-1, math.Min(1, cos))
	return float32(math.Acos(cos))
}

// ManhattanDistance returns Σ|a[i] − b[i]|.
func ManhattanDistance(a, b []float32) float32 {
	return vek32.ManhattanDistance(a, b)
}

// ChebyshevDistance returns max|a[i] − b[i]|.
func ChebyshevDistance(a, b []float32) float32 {
	var m float32
	for i := range a {
		if d := abs32(a[i] - b[i]); d > m {
			m = d
		}
	}
	return m
}

// MinkowskiP returns (Σ|a[i] − b[i]|^p)^(1/p). p must be > 0.
func MinkowskiP(a, b []float32, p float32) float32 {
	switch p {
	case 1:
		return ManhattanDistance(a, b)
	case 2:
		return EuclideanDistance(a, b)
	}
	pp := float64(p)
	var sum float64
	for i := range a {
		sum += math.Pow(math.Abs(float64(a[i]-b[i])), pp)
	}
	return float32(math.Pow(sum, 1/pp))
}

// HammingDistance counts the positions where a and b differ by more than HammingEpsilon.
func HammingDistance(a, b []float32) float32 {
	var n float32
	for i := range a {
		if abs32(a[i]-b[i]) > HammingEpsilon {
			n++
		}
	}
	return n
}

// JaccardDistance returns 1 − |a∩b|/|a∪b| over coordinates binarized at
// JaccardThreshold. An empty union yields 0.
func JaccardDistance(a, b []float32) float32 {
	var inter, union float32
	for i := range a {
		x, y := a[i] > JaccardThreshold, b[i] > JaccardThreshold
		if x && y {
			inter++
		}
		if x || y {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return 1 - inter/union
}

// CanberraDistance returns Σ|a[i] − b[i]|/(|a[i]| + |b[i]|), skipping zero denominators.
func CanberraDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		denom := abs32(a[i]) + abs32(b[i])
		if denom > 0 {
			sum += abs32(a[i]-b[i]) / denom
		}
	}
	return sum
}

func abs32(f float32) float32 {
	return math.Float32frombits(math.Float32bits(f) &^ (1 << 31))
}

func sqrt32(f float32) float32 {
	return float32(math.Sqrt(float64(f)))
}
