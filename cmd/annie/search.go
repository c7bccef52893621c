package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/annie"
	"github.com/hupe1980/annie/filter"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		queries []string
		k       int
		idRange string
		include []int64
		exclude []int64
		useGPU  bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "search <snapshot>",
		Short: "Load a snapshot and query it",
		Long: `Load a snapshot and print the nearest neighbors of each query.

Queries are comma-separated vectors; --query may be repeated.

Examples:
  annie search demo --query 0.1,0.2,0.3 --k 5
  annie search demo --query 0,0,0 --ids 100:200 --exclude 150`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(queries) == 0 {
				return fmt.Errorf("at least one --query is required")
			}

			var extra []annie.Option
			if useGPU {
				extra = append(extra, annie.WithGPU(a.cfg.Precision(), a.cfg.DeviceIDs()...))
			}
			idx, err := a.load(ctx, args[0], extra...)
			if err != nil {
				return err
			}

			rows := make([][]float32, len(queries))
			for i, q := range queries {
				if rows[i], err = parseVector(q); err != nil {
					return fmt.Errorf("query %d: %w", i, err)
				}
			}
			f, err := buildFilter(idRange, include, exclude)
			if err != nil {
				return err
			}

			res, err := idx.SearchBatch(ctx, rows, k, f)
			if err != nil {
				return err
			}

			out := make([][]annie.Neighbor, res.Rows)
			for i := range out {
				out[i] = res.Neighbors(i)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			return writeNeighbors(cmd.OutOrStdout(), out)
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&queries, "query", nil, "query vector, e.g. 0.1,0.2,0.3")
	f.IntVar(&k, "k", 10, "neighbors per query")
	f.StringVar(&idRange, "ids", "", "only ids in min:max (inclusive)")
	f.Int64SliceVar(&include, "include", nil, "only these ids")
	f.Int64SliceVar(&exclude, "exclude", nil, "never these ids")
	f.BoolVar(&useGPU, "gpu", false, "search on the configured devices (euclidean only)")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func parseVector(s string) ([]float32, error) {
	fields := strings.Split(s, ",")
	v := make([]float32, 0, len(fields))
	for _, field := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
		if err != nil {
			return nil, err
		}
		v = append(v, float32(x))
	}
	return v, nil
}

// buildFilter combines the filter flags with And. It returns nil when no
// flag is set.
func buildFilter(idRange string, include, exclude []int64) (filter.Filter, error) {
	var parts []filter.Filter
	if idRange != "" {
		lo, hi, ok := strings.Cut(idRange, ":")
		if !ok {
			return nil, fmt.Errorf("ids %q: want min:max", idRange)
		}
		minID, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ids %q: %w", idRange, err)
		}
		maxID, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ids %q: %w", idRange, err)
		}
		parts = append(parts, filter.IDRange(minID, maxID))
	}
	if len(include) > 0 {
		parts = append(parts, filter.IDSet(include...))
	}
	if len(exclude) > 0 {
		parts = append(parts, filter.Not(filter.IDSet(exclude...)))
	}

	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	default:
		return filter.And(parts...), nil
	}
}

func writeNeighbors(w io.Writer, rows [][]annie.Neighbor) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "query\trank\tid\tdistance")
	for q, row := range rows {
		for r, n := range row {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%.6g\n", q, r+1, n.ID, n.Distance)
		}
	}
	return tw.Flush()
}
