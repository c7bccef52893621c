package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/annie"
	"github.com/hupe1980/annie/codec"
	"github.com/hupe1980/annie/persistence"
)

func newConvertCmd(a *app) *cobra.Command {
	var (
		compression string
		codecName   string
		compact     bool
	)

	cmd := &cobra.Command{
		Use:   "convert <src> <dst>",
		Short: "Rewrite a snapshot with different encoding",
		Long: `Rewrite snapshot src as dst with a different compression or metadata codec.

Tombstones, the version counter and the creation time are kept unless
--compact is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := persistence.ParseCompression(compression)
			if err != nil {
				return err
			}
			cd, ok := codec.ByName(codecName)
			if !ok {
				return fmt.Errorf("unknown codec %q", codecName)
			}

			idx, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			if compact {
				if err := idx.Compact(ctx); err != nil {
					return err
				}
			}
			if err := a.save(ctx, idx, args[1], annie.WithCompression(c), annie.WithCodec(cd)); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d entries, %d slots, %s\n", args[1], idx.Len(), idx.Capacity(), c)
			return nil
		},
	}
	cmd.Flags().StringVar(&compression, "compression", "zstd", "none, lz4 or zstd")
	cmd.Flags().StringVar(&codecName, "codec", codec.Default.Name(), "metadata codec")
	cmd.Flags().BoolVar(&compact, "compact", false, "drop tombstones before writing")
	return cmd
}
