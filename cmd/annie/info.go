package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hupe1980/annie"
	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/gpu/cuda"
	"github.com/hupe1980/annie/internal/pathguard"
	"github.com/hupe1980/annie/persistence"
)

type infoReport struct {
	Version   string                  `json:"version"`
	GoVersion string                  `json:"go_version"`
	CPU       distance.CapabilityInfo `json:"cpu"`
	Platform  string                  `json:"platform"`
	CUDA      *cuda.DriverInfo        `json:"cuda,omitempty"`
	CUDAError string                  `json:"cuda_error,omitempty"`
	Snapshot  *snapshotInfo           `json:"snapshot,omitempty"`
}

type snapshotInfo struct {
	Name            string    `json:"name"`
	Dimension       uint32    `json:"dimension"`
	Metric          string    `json:"metric"`
	Slots           uint64    `json:"slots"`
	Live            uint64    `json:"live"`
	Version         uint64    `json:"version"`
	Compression     string    `json:"compression"`
	Codec           string    `json:"codec"`
	MaxDeletedRatio float64   `json:"max_deleted_ratio"`
	CreatedAt       time.Time `json:"created_at"`
}

func newInfoCmd(a *app) *cobra.Command {
	var (
		snapshot string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show build, CPU and CUDA information",
		Long: `Show build, CPU and CUDA information.

With --snapshot, the header of a snapshot is printed as well. Only the header
and metadata are read.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := infoReport{
				Version:   version,
				GoVersion: runtime.Version(),
				CPU:       distance.Capabilities(),
				Platform:  persistence.PlatformInfo(),
			}
			if info, err := cuda.Probe(); err != nil {
				report.CUDAError = err.Error()
			} else {
				report.CUDA = &info
			}
			if snapshot != "" {
				si, err := a.snapshotInfo(cmd.Context(), snapshot)
				if err != nil {
					return err
				}
				report.Snapshot = si
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return writeInfo(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVarP(&snapshot, "snapshot", "s", "", "snapshot name to inspect")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) snapshotInfo(ctx context.Context, name string) (*snapshotInfo, error) {
	r, err := a.openSnapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	header, meta, err := persistence.ReadInfo(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	metric := meta.Metric
	if metric == distance.Minkowski.String() {
		metric = distance.Metric{Kind: distance.Minkowski, P: float32(meta.P)}.String()
	}
	return &snapshotInfo{
		Name:            name,
		Dimension:       header.Dimension,
		Metric:          metric,
		Slots:           header.SlotCount,
		Live:            header.LiveCount,
		Version:         header.StoreVersion,
		Compression:     header.Compression.String(),
		Codec:           header.CodecName(),
		MaxDeletedRatio: meta.MaxDeletedRatio,
		CreatedAt:       meta.CreatedAt,
	}, nil
}

func (a *app) openSnapshot(ctx context.Context, name string) (io.ReadCloser, error) {
	if a.store != nil {
		return a.store.Open(ctx, name+annie.SnapshotSuffix)
	}
	g, err := pathguard.New(a.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	path, err := g.Resolve(name + annie.SnapshotSuffix)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func writeInfo(w io.Writer, r infoReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "version\t%s\n", r.Version)
	fmt.Fprintf(tw, "go\t%s\n", r.GoVersion)
	fmt.Fprintf(tw, "platform\t%s\n", r.Platform)
	fmt.Fprintf(tw, "cpu\t%s accelerated=%t avx2=%t avx512=%t neon=%t\n",
		r.CPU.Arch, r.CPU.Accelerated, r.CPU.AVX2, r.CPU.AVX512, r.CPU.NEON)
	if len(r.CPU.Features) > 0 {
		fmt.Fprintf(tw, "cpu features\t%s\n", strings.Join(r.CPU.Features, " "))
	}

	if r.CUDA != nil {
		fmt.Fprintf(tw, "cuda\t%s (driver %s)\n", r.CUDA.Library, r.CUDA.VersionString())
		for _, d := range r.CUDA.Devices {
			fmt.Fprintf(tw, "  device %d\t%s, %d MiB\n", d.Ordinal, d.Name, d.MemoryBytes>>20)
		}
	} else {
		fmt.Fprintf(tw, "cuda\tunavailable: %s\n", r.CUDAError)
	}

	if s := r.Snapshot; s != nil {
		fmt.Fprintf(tw, "snapshot\t%s\n", s.Name)
		fmt.Fprintf(tw, "  dimension\t%d\n", s.Dimension)
		fmt.Fprintf(tw, "  metric\t%s\n", s.Metric)
		fmt.Fprintf(tw, "  entries\t%d live, %d slots\n", s.Live, s.Slots)
		fmt.Fprintf(tw, "  version\t%d\n", s.Version)
		fmt.Fprintf(tw, "  encoding\t%s, %s\n", s.Compression, s.Codec)
		fmt.Fprintf(tw, "  created\t%s\n", s.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
