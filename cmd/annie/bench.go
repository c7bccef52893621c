package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/annie"
	"github.com/hupe1980/annie/distance"
)

type benchOptions struct {
	vectors     int
	dim         int
	queries     int
	k           int
	metric      string
	gpu         bool
	parallelism int
	seed        uint64
	save        string
	json        bool
}

type benchResult struct {
	Vectors        int                   `json:"vectors"`
	Dimension      int                   `json:"dimension"`
	Queries        int                   `json:"queries"`
	K              int                   `json:"k"`
	Metric         string                `json:"metric"`
	AddTime        time.Duration         `json:"add_time"`
	SearchTime     time.Duration         `json:"search_time"`
	QueriesPerSec  float64               `json:"queries_per_sec"`
	GPUPrecision   string                `json:"gpu_precision,omitempty"`
	GPUDevices     int                   `json:"gpu_devices,omitempty"`
	GPUSearchTime  time.Duration         `json:"gpu_search_time,omitempty"`
	GPUQueriesPerS float64               `json:"gpu_queries_per_sec,omitempty"`
	Metrics        annie.MetricsSnapshot `json:"metrics"`
}

func newBenchCmd(a *app) *cobra.Command {
	o := benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark add and search on random vectors",
		Long: `Benchmark add and search on uniformly random vectors.

With --gpu the same data is searched through the configured devices at the
configured precision and the recall against the exact CPU result is
reported. The GPU path supports the euclidean metric only.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runBench(cmd.Context(), a, o)
			if err != nil {
				return err
			}
			if o.json {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			return writeBench(cmd.OutOrStdout(), res)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&o.vectors, "vectors", "n", 10000, "number of indexed vectors")
	f.IntVarP(&o.dim, "dim", "d", 128, "vector dimension")
	f.IntVarP(&o.queries, "queries", "q", 100, "number of queries")
	f.IntVar(&o.k, "k", 10, "neighbors per query")
	f.StringVarP(&o.metric, "metric", "m", "euclidean", "distance metric")
	f.BoolVar(&o.gpu, "gpu", false, "also search on the configured devices")
	f.IntVar(&o.parallelism, "parallelism", 0, "CPU workers (0 = GOMAXPROCS)")
	f.Uint64Var(&o.seed, "seed", 1, "random seed")
	f.StringVar(&o.save, "save", "", "save the CPU index as this snapshot name")
	f.BoolVar(&o.json, "json", false, "print JSON")
	return cmd
}

func runBench(ctx context.Context, a *app, o benchOptions) (*benchResult, error) {
	if o.vectors <= 0 || o.queries <= 0 || o.k <= 0 {
		return nil, fmt.Errorf("vectors, queries and k must be positive")
	}

	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))
	data := randomRows(rng, o.vectors, o.dim)
	queries := randomRows(rng, o.queries, o.dim)
	ids := make([]int64, o.vectors)
	for i := range ids {
		ids[i] = int64(i)
	}

	mc := annie.NewBasicMetricsCollector()
	idx, err := annie.NewWithMetric(o.dim, o.metric,
		a.indexOptions(annie.WithMetricsCollector(mc), annie.WithParallelism(o.parallelism))...)
	if err != nil {
		return nil, err
	}

	res := &benchResult{
		Vectors:   o.vectors,
		Dimension: o.dim,
		Queries:   o.queries,
		K:         o.k,
		Metric:    idx.Metric().String(),
	}

	start := time.Now()
	if err := addBatched(ctx, idx, data, ids, a.cfg.Limits.MaxBatchSize); err != nil {
		return nil, err
	}
	res.AddTime = time.Since(start)

	start = time.Now()
	exact, err := idx.SearchBatch(ctx, queries, o.k, nil)
	if err != nil {
		return nil, err
	}
	res.SearchTime = time.Since(start)
	res.QueriesPerSec = float64(o.queries) / res.SearchTime.Seconds()

	if o.gpu {
		if idx.Metric().Kind != distance.Euclidean {
			return nil, fmt.Errorf("gpu bench requires the euclidean metric, got %s", idx.Metric())
		}
		devices := a.cfg.DeviceIDs()
		gidx, err := annie.New(o.dim, idx.Metric(), a.indexOptions(annie.WithGPU(a.cfg.Precision(), devices...))...)
		if err != nil {
			return nil, err
		}
		if err := addBatched(ctx, gidx, data, ids, a.cfg.Limits.MaxBatchSize); err != nil {
			return nil, err
		}

		start = time.Now()
		approx, err := gidx.SearchBatch(ctx, queries, o.k, nil)
		if err != nil {
			return nil, err
		}
		res.GPUSearchTime = time.Since(start)
		res.GPUQueriesPerS = float64(o.queries) / res.GPUSearchTime.Seconds()
		res.GPUPrecision = a.cfg.Precision().String()
		res.GPUDevices = len(devices)

		mc.UpdateRecallEstimate(o.k, recall(exact, approx))
	}

	if o.save != "" {
		if err := a.save(ctx, idx, o.save); err != nil {
			return nil, err
		}
	}

	res.Metrics = mc.Snapshot()
	return res, nil
}

// addBatched adds rows in batches no larger than limit (0 means one batch).
func addBatched(ctx context.Context, idx *annie.Index, rows [][]float32, ids []int64, limit int) error {
	if limit <= 0 {
		limit = len(rows)
	}
	for lo := 0; lo < len(rows); lo += limit {
		hi := min(lo+limit, len(rows))
		if err := idx.AddWithProgress(ctx, rows[lo:hi], ids[lo:hi], nil); err != nil {
			return err
		}
	}
	return nil
}

func randomRows(rng *rand.Rand, n, dim int) [][]float32 {
	backing := make([]float32, n*dim)
	for i := range backing {
		backing[i] = rng.Float32()*2 - 1
	}
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = backing[i*dim : (i+1)*dim : (i+1)*dim]
	}
	return rows
}

// recall is the share of exact neighbors that approx also returned.
func recall(exact, approx *annie.BatchResult) float64 {
	var found, total int
	for i := range exact.Rows {
		want := make(map[int64]struct{}, exact.K)
		for _, n := range exact.Neighbors(i) {
			want[n.ID] = struct{}{}
		}
		total += len(want)
		for _, n := range approx.Neighbors(i) {
			if _, ok := want[n.ID]; ok {
				found++
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(found) / float64(total)
}

func writeBench(w io.Writer, r *benchResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "dataset\t%d x %d, %s\n", r.Vectors, r.Dimension, r.Metric)
	fmt.Fprintf(tw, "add\t%s (%.0f vectors/s)\n", r.AddTime.Round(time.Microsecond), float64(r.Vectors)/r.AddTime.Seconds())
	fmt.Fprintf(tw, "search\t%d queries, k=%d in %s (%.1f q/s)\n", r.Queries, r.K, r.SearchTime.Round(time.Microsecond), r.QueriesPerSec)
	if r.GPUPrecision != "" {
		fmt.Fprintf(tw, "gpu search\t%s on %d devices in %s (%.1f q/s)\n",
			r.GPUPrecision, r.GPUDevices, r.GPUSearchTime.Round(time.Microsecond), r.GPUQueriesPerS)
		fmt.Fprintf(tw, "recall@%d\t%.4f\n", r.K, r.Metrics.RecallEstimates[r.K])
	}
	fmt.Fprintf(tw, "avg latency\t%s\n", r.Metrics.AvgQueryLatency)
	return tw.Flush()
}
