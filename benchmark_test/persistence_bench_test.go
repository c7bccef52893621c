package benchmark_test

import (
	"context"
	"testing"

	"github.com/hupe1980/annie"
	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/persistence"
)

// BenchmarkSaveLoad benchmarks a snapshot round trip per compression.
func BenchmarkSaveLoad(b *testing.B) {
	ctx := context.Background()
	compressions := []persistence.Compression{
		persistence.CompressionNone,
		persistence.CompressionLZ4,
		persistence.CompressionZstd,
	}

	for _, c := range compressions {
		b.Run(c.String(), func(b *testing.B) {
			dir := b.TempDir()
			idx := buildIndex(b, 20000, 128, distance.Of(distance.Euclidean), annie.WithAllowedDirs(dir))

			b.ResetTimer()
			for b.Loop() {
				if err := idx.Save(ctx, "bench", annie.WithCompression(c)); err != nil {
					b.Fatal(err)
				}
				if _, err := annie.Load(ctx, "bench", annie.WithEnv(idx.Env()), annie.WithAllowedDirs(dir)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
