package benchmark_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/hupe1980/annie"
	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/testutil"
)

func formatDim(dim int) string { return fmt.Sprintf("dim=%d", dim) }

func formatCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1000:
		return fmt.Sprintf("%dK", n/1000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// buildIndex returns an index holding n uniform vectors of dim.
func buildIndex(b *testing.B, n, dim int, metric distance.Metric, opts ...annie.Option) *annie.Index {
	b.Helper()

	opts = append([]annie.Option{annie.WithEnv(annie.NewEnv())}, opts...)
	idx, err := annie.New(dim, metric, opts...)
	if err != nil {
		b.Fatal(err)
	}

	data := testutil.NewRNG(42).UniformRangeVectors(n, dim)
	ids := testutil.SequentialIDs(n, 0)
	ctx := context.Background()
	for lo := 0; lo < n; lo += 10000 {
		hi := min(lo+10000, n)
		if err := idx.Add(ctx, data[lo:hi], ids[lo:hi]); err != nil {
			b.Fatal(err)
		}
	}
	return idx
}
