// Package distance implements the distance metrics supported by annie.
//
// # Built-in Metrics
//
//   - Euclidean: sqrt(|a|² + |b|² − 2·a·b) using cached squared norms
//   - Cosine: 1 − cos(a, b), clamped to [0, 1]
//   - Angular: acos(cos(a, b)), π/2 when either norm is zero
//   - Manhattan, Chebyshev, Minkowski(p), Canberra
//   - Hamming: positions differing by more than 1e-5
//   - Jaccard: coordinates binarized at 0.5
//
// Dot products and L1 sums are computed with github.com/viterin/vek/vek32,
// which selects AVX2/NEON code paths when the CPU supports them.
//
// # Custom Metrics
//
// Custom metrics are resolved by name through a Registry at bind time:
//
//	reg := distance.NewRegistry()
//	_ = reg.Register(distance.FuncOf("weighted", func(a, b []float32) float32 { ... }))
//	b, err := distance.Bind(distance.NewCustom("weighted"), reg)
package distance
