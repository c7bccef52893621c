// Package testutil provides helpers for annie tests and benchmarks.
//
// # Random Vectors
//
//	rng := testutil.NewRNG(seed)
//	data := rng.UniformRangeVectors(1000, 64) // [-1, 1)
//	unit := rng.UnitVectors(10, 64)           // on the hypersphere
//
// # Ground Truth
//
//	want := testutil.ExactTopK(query, data, ids, k, distance.EuclideanDistance)
//	recall := testutil.ComputeRecall(want, got)
package testutil
