// Command annie benchmarks, inspects and converts annie index snapshots.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/annie"
	"github.com/hupe1980/annie/blobstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// app carries the state every subcommand shares after flags are parsed.
type app struct {
	configPath string
	dataDir    string
	storeURL   string
	logLevel   string

	cfg    Config
	logger *annie.Logger
	env    *annie.Env
	store  blobstore.BlobStore
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "annie",
		Short: "annie - exact nearest-neighbor search",
		Long: `annie is an embeddable brute-force vector index with GPU offload.

The CLI builds benchmark indexes, queries snapshots and rewrites them.
Snapshots are addressed by name and stored as <data-dir>/<name>.bin, or in
the blob store given by --store (s3://bucket/prefix, minio://host/bucket).`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.env != nil {
				return a.env.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", os.Getenv("ANNIE_CONFIG"), "YAML config file")
	flags.StringVar(&a.dataDir, "data-dir", "", "directory of local snapshots (overrides config)")
	flags.StringVar(&a.storeURL, "store", "", "remote snapshot store URL (overrides config)")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "annie v%s (%s)\n", version, commit)
			},
		},
		newInfoCmd(a),
		newGPUCmd(a),
		newBenchCmd(a),
		newSearchCmd(a),
		newConvertCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.storeURL != "" {
		cfg.Store.URL = a.storeURL
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = cfg.Logger()
	a.env = cfg.Env(a.logger)
	a.store, err = openStore(cmd.Context(), cfg.Store)
	return err
}

func (a *app) indexOptions(extra ...annie.Option) []annie.Option {
	return append(a.cfg.IndexOptions(a.env, a.logger), extra...)
}

// load opens snapshot name from the configured store or data directory.
func (a *app) load(ctx context.Context, name string, extra ...annie.Option) (*annie.Index, error) {
	if a.store != nil {
		return annie.LoadFrom(ctx, a.store, name+annie.SnapshotSuffix, a.indexOptions(extra...)...)
	}
	return annie.Load(ctx, name, a.indexOptions(extra...)...)
}

// save writes idx as snapshot name.
func (a *app) save(ctx context.Context, idx *annie.Index, name string, extra ...annie.Option) error {
	if a.store != nil {
		return idx.SaveTo(ctx, a.store, name+annie.SnapshotSuffix, extra...)
	}
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return err
	}
	return idx.Save(ctx, name, extra...)
}
