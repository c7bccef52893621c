// Package annie provides an embeddable exact nearest-neighbor index for Go.
//
// An Index holds fixed-dimension float32 vectors tagged with int64 ids and
// answers "k nearest to this query" by scanning every live entry in
// parallel. It supports:
//
//   - Ten metrics: Euclidean, Cosine, Manhattan, Chebyshev, Minkowski(p),
//     Hamming, Jaccard, Angular, Canberra and named custom metrics
//   - Online mutation (Add, Remove, Update, Compact) with tombstones
//   - Composable filters over ids and slot positions (package filter)
//   - An optional GPU path for Euclidean search at fp32, fp16 or int8
//   - Checksummed, optionally compressed snapshots on disk or in blob stores
//
// # Quick Start
//
//	ctx := context.Background()
//	idx, _ := annie.New(3, distance.Of(distance.Euclidean))
//	_ = idx.Add(ctx, [][]float32{{0, 0, 0}, {1, 1, 1}}, []int64{10, 20})
//	hits, _ := idx.Search(ctx, []float32{0, 0, 0}, 1, nil)
//
// Restrict a search with a filter:
//
//	hits, _ := idx.Search(ctx, q, 10, filter.And(
//	    filter.IDRange(100, 200),
//	    filter.Not(filter.IDSet(150)),
//	))
//
// # Consistency
//
// Mutations lock the index exclusively, searches share it. Every successful
// mutation increases Version by one. A search records the version before it
// scans and fails with ErrConcurrentModification if it changed before the
// result is returned.
//
// # Environment
//
// Custom metrics and GPU memory pools live in an Env that is shared by all
// indexes created with it:
//
//	env := annie.NewEnv()
//	_ = env.RegisterMetric(distance.FuncOf("dot", myDot))
//	idx, _ := annie.NewWithMetric(128, "dot", annie.WithEnv(env))
//
// Indexes created without WithEnv share DefaultEnv.
//
// # Persistence
//
//	_ = idx.Save(ctx, "indices/products", annie.WithCompression(persistence.CompressionZstd))
//	idx, _ = annie.Load(ctx, "indices/products")
//
// Paths are relative, validated and confined to allow-listed directories;
// SnapshotSuffix is appended. SaveTo and LoadFrom target a
// blobstore.BlobStore such as S3 or MinIO.
package annie
