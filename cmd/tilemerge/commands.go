package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/banshee-data/tilemerge/internal/config"
	"github.com/banshee-data/tilemerge/internal/monitoring"
	"github.com/banshee-data/tilemerge/internal/pipeline"
	"github.com/banshee-data/tilemerge/internal/version"
)

// buildLogger constructs the process logger. Tests replace it.
var buildLogger = func(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// jobFlags are shared by merge and remap.
type jobFlags struct {
	configPath string
	workers    int
	index      string
	dbPath     string
	metrics    string
}

type mergeFlags struct {
	jobFlags
	tilesDir       string
	original       string
	output         string
	margin         float64
	minClusterSize int
	reconcileMode  string
	skipReconcile  bool
	plot           string
	report         string
}

type remapFlags struct {
	jobFlags
	original   string
	subsampled string
	output     string
}

func newRootCmd() *cobra.Command {
	var verbose bool
	var logger *zap.Logger

	root := &cobra.Command{
		Use:          "tilemerge",
		Short:        "Merge tiled point-cloud predictions into one labelled cloud",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = buildLogger(verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			monitoring.SetLogger(monitoring.ZapLogf(logger))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newMergeCmd(), newRemapCmd(), newVersionCmd())
	return root
}

func addJobFlags(cmd *cobra.Command, f *jobFlags) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "Merge config file (.json, .yaml or .yml)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Parallel workers; 0 uses all CPUs")
	cmd.Flags().StringVar(&f.index, "index", config.IndexKDTree, "Spatial index: kdtree or grid")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "Record the run in this SQLite ledger")
	cmd.Flags().StringVar(&f.metrics, "metrics", "", "Write Prometheus metrics to this textfile")
}

func newMergeCmd() *cobra.Command {
	f := &mergeFlags{}
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge per-tile predictions back into the original point cloud",
		Long: `Merge reads every tile in --tiles, keeps the objects that lie wholly inside
their tile (less --margin), projects their PredInstance and PredSemantic labels
onto the nearest points of --original, folds clusters smaller than
--min-cluster-size into their neighbours and writes the result to --output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := mergeConfig(cmd, f)
			if err != nil {
				return err
			}
			rep, err := pipeline.NewRunner().Merge(cmd.Context(), pipeline.MergeRequest{
				TilesDir:     f.tilesDir,
				OriginalPath: f.original,
				OutputPath:   f.output,
				Config:       cfg,
				PlotPath:     f.plot,
				ReportPath:   f.report,
				DBPath:       f.dbPath,
				MetricsPath:  f.metrics,
			})
			if err != nil {
				return err
			}
			s := rep.Summary
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d tiles merged, %d skipped, %d points labelled, %d reassigned, %d unresolved -> %s\n",
				rep.RunID, s.TilesProcessed, len(s.Skipped), s.PointsWritten, s.Reassigned, s.Unresolved, f.output)
			return nil
		},
	}

	bindMergeFlags(cmd, f)
	for _, name := range []string{"tiles", "original", "output"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func bindMergeFlags(cmd *cobra.Command, f *mergeFlags) {
	cmd.Flags().StringVar(&f.tilesDir, "tiles", "", "Folder containing the predicted tiles")
	cmd.Flags().StringVar(&f.original, "original", "", "Original point cloud")
	cmd.Flags().StringVar(&f.output, "output", "", "Merged point cloud to write")
	cmd.Flags().Float64Var(&f.margin, "margin", 0.2, "Boundary margin for whole objects")
	cmd.Flags().IntVar(&f.minClusterSize, "min-cluster-size", 300, "Minimum cluster size kept after merging")
	cmd.Flags().StringVar(&f.reconcileMode, "reconcile-mode", config.ReconcileSnapshot, "Small cluster pass: snapshot or live")
	cmd.Flags().BoolVar(&f.skipReconcile, "skip-reconcile", false, "Skip the small cluster pass")
	cmd.Flags().StringVar(&f.plot, "plot", "", "Write a top-view image (.png, .svg or .pdf)")
	cmd.Flags().StringVar(&f.report, "report", "", "Write an HTML cluster report")
	addJobFlags(cmd, &f.jobFlags)
}

// mergeConfig loads --config, or the defaults, and applies the flags the
// user set explicitly.
func mergeConfig(cmd *cobra.Command, f *mergeFlags) (*config.MergeConfig, error) {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("margin") {
		cfg.SetMargin(f.margin)
	}
	if flags.Changed("min-cluster-size") {
		cfg.SetMinClusterSize(f.minClusterSize)
	}
	if flags.Changed("reconcile-mode") {
		cfg.ReconcileMode = &f.reconcileMode
	}
	if flags.Changed("skip-reconcile") {
		cfg.SkipReconcile = &f.skipReconcile
	}
	applyJobFlags(cmd, &f.jobFlags, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfig(path string) (*config.MergeConfig, error) {
	if path == "" {
		return config.DefaultMergeConfig(), nil
	}
	return config.LoadMergeConfig(path)
}

func applyJobFlags(cmd *cobra.Command, f *jobFlags, cfg *config.MergeConfig) {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.SetWorkers(f.workers)
	}
	if flags.Changed("index") {
		cfg.Index = &f.index
	}
}

func newRemapCmd() *cobra.Command {
	f := &remapFlags{}
	cmd := &cobra.Command{
		Use:   "remap",
		Short: "Copy predictions from a subsampled cloud onto the full-resolution cloud",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f.configPath)
			if err != nil {
				return err
			}
			applyJobFlags(cmd, &f.jobFlags, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			rep, err := pipeline.NewRunner().Remap(cmd.Context(), pipeline.RemapRequest{
				OriginalPath:   f.original,
				SubsampledPath: f.subsampled,
				OutputPath:     f.output,
				Config:         cfg,
				DBPath:         f.dbPath,
				MetricsPath:    f.metrics,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d points labelled from %d subsampled points -> %s\n",
				rep.RunID, rep.OriginalPoints, rep.SubsampledPoints, f.output)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.original, "original", "", "Full-resolution point cloud")
	cmd.Flags().StringVar(&f.subsampled, "subsampled", "", "Subsampled point cloud carrying PredInstance and PredSemantic")
	cmd.Flags().StringVar(&f.output, "output", "", "Labelled point cloud to write")
	addJobFlags(cmd, &f.jobFlags)
	for _, name := range []string{"original", "subsampled", "output"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
