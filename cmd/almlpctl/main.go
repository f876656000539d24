package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"almlp/internal/calc"
	"almlp/internal/config"
	"almlp/internal/model"
	"almlp/internal/telemetry"
	"almlp/pkg/almlp"
)

const (
	defaultStore        = "badger"
	defaultDBPath       = "almlp.db"
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	store        string
	dbPath       string
	artifactsDir string
	exportsDir   string
	logLevel     string
	logFormat    string
	traceStdout  bool
	metricsFile  string
}

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "almlpctl",
		Short:         "Active-learning relaxations with a machine-learned surrogate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.store, "store", defaultStore, "audit store backend: memory|badger|sqlite")
	pf.StringVar(&opts.dbPath, "db-path", defaultDBPath, "audit store path (badger directory or sqlite file)")
	pf.StringVar(&opts.artifactsDir, "artifacts-dir", defaultArtifactsDir, "run artifacts directory")
	pf.StringVar(&opts.exportsDir, "exports-dir", defaultExportsDir, "export target directory")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.StringVar(&opts.logFormat, "log-format", "text", "log format: text|json")
	pf.BoolVar(&opts.traceStdout, "trace-stdout", false, "print tracing spans to stdout")
	pf.StringVar(&opts.metricsFile, "metrics-file", "", "write prometheus metrics to this file after the run")

	root.AddCommand(
		newInitCmd(opts),
		newRelaxCmd(opts),
		newOfflineCmd(opts),
		newCallsCmd(opts),
		newRunsCmd(opts),
		newExportCmd(opts),
	)
	return root
}

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the audit store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, nil, func(client *almlp.Client) error {
				if err := client.Init(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "initialized store=%s\n", opts.store)
				return nil
			})
		},
	}
}

func newRelaxCmd(opts *globalOptions) *cobra.Command {
	var (
		configPath string
		startPath  string
		runID      string
		outPath    string
	)
	cmd := &cobra.Command{
		Use:   "relax",
		Short: "Relax a structure with the online active learner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRunConfig(configPath, config.ModeOnline, runID)
			if err != nil {
				return err
			}
			if startPath != "" {
				cfg.Start = startPath
			}
			applyFileOptions(cmd, opts, cfg)

			candidates, err := loadCandidates(cfg.Structures)
			if err != nil {
				return err
			}
			var start *model.Structure
			if cfg.Start != "" {
				s, err := config.LoadStructure(cfg.Start)
				if err != nil {
					return err
				}
				start = &s
			}

			reg := prometheus.NewRegistry()
			return withClient(cmd, opts, reg, func(client *almlp.Client) error {
				summary, err := client.Relax(cmd.Context(), almlp.RelaxRequest{Config: cfg, Candidates: candidates, Start: start})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "relax completed run_id=%s steps=%d converged=%t\n", summary.RunID, summary.Steps, summary.Converged)
				fmt.Fprintf(out, "parent_calls=%d queries=%d dataset_size=%d\n", summary.ParentCalls, summary.Queries, summary.DatasetSize)
				fmt.Fprintf(out, "final_energy=%.6f final_fmax=%.6f\n", summary.FinalEnergy, summary.FinalFmax)
				fmt.Fprintf(out, "artifacts_dir=%s\n", summary.ArtifactsDir)
				if outPath != "" {
					if err := config.WriteStructure(outPath, summary.Final); err != nil {
						return err
					}
					fmt.Fprintf(out, "final_structure=%s\n", filepath.Clean(outPath))
				}
				return writeMetrics(opts, reg)
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run configuration (YAML or JSON)")
	cmd.Flags().StringVar(&startPath, "start", "", "structure to relax; defaults to the config's start or first structure")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id; generated when empty")
	cmd.Flags().StringVar(&outPath, "out", "", "write the relaxed structure to this JSON file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newOfflineCmd(opts *globalOptions) *cobra.Command {
	var (
		configPath string
		runID      string
		outPath    string
	)
	cmd := &cobra.Command{
		Use:   "offline",
		Short: "Run the batch learner: relax with the surrogate, query trajectory points, retrain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRunConfig(configPath, config.ModeOffline, runID)
			if err != nil {
				return err
			}
			applyFileOptions(cmd, opts, cfg)

			candidates, err := loadCandidates(cfg.Structures)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			return withClient(cmd, opts, reg, func(client *almlp.Client) error {
				summary, err := client.Offline(cmd.Context(), almlp.OfflineRequest{Config: cfg, Candidates: candidates})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "offline completed run_id=%s iterations=%d converged=%t\n", summary.RunID, summary.Iterations, summary.Converged)
				fmt.Fprintf(out, "parent_calls=%d dataset_size=%d final_force=%.6f\n", summary.ParentCalls, summary.DatasetSize, summary.FinalForce)
				fmt.Fprintf(out, "final_energy=%.6f final_fmax=%.6f\n", summary.FinalEnergy, summary.FinalFmax)
				fmt.Fprintf(out, "artifacts_dir=%s\n", summary.ArtifactsDir)
				if outPath != "" {
					if err := config.WriteStructure(outPath, summary.Final); err != nil {
						return err
					}
					fmt.Fprintf(out, "final_structure=%s\n", filepath.Clean(outPath))
				}
				return writeMetrics(opts, reg)
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run configuration (YAML or JSON)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id; generated when empty")
	cmd.Flags().StringVar(&outPath, "out", "", "write the final relaxed structure to this JSON file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newCallsCmd(opts *globalOptions) *cobra.Command {
	var req almlp.CallsRequest
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List the audited parent calls of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, nil, func(client *almlp.Client) error {
				items, err := client.Calls(cmd.Context(), req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, item := range items {
					fmt.Fprintf(out, "seq=%d reason=%s atoms=%d energy=%.6f fmax=%.6f uncertainty=%s threshold=%s\n",
						item.Seq, item.Reason, item.Atoms, item.Energy, item.Fmax, formatOptional(item.Uncertainty), formatOptional(item.Threshold))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "use the most recent run")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "max calls to list (0 = all)")
	return cmd
}

func newRunsCmd(opts *globalOptions) *cobra.Command {
	var req almlp.RunsRequest
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, nil, func(client *almlp.Client) error {
				items, err := client.Runs(cmd.Context(), req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, item := range items {
					fmt.Fprintf(out, "run_id=%s created_at=%s mode=%s parent=%s parent_calls=%d dataset_size=%d steps=%d converged=%t final_fmax=%.6f\n",
						item.RunID, item.CreatedAtUTC, item.Mode, item.Parent, item.ParentCalls, item.DatasetSize, item.Steps, item.Converged, item.FinalFmax)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&req.Limit, "limit", 20, "max runs to list")
	return cmd
}

func newExportCmd(opts *globalOptions) *cobra.Command {
	var req almlp.ExportRequest
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy the artifacts of a run to the exports directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, nil, func(client *almlp.Client) error {
				summary, err := client.Export(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s to=%s\n", summary.RunID, summary.Directory)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "export the most recent run")
	cmd.Flags().StringVar(&req.OutDir, "out", "", "target directory; defaults to --exports-dir")
	return cmd
}

// withClient builds the logger, tracing and client for one command and tears
// them down afterwards.
func withClient(cmd *cobra.Command, opts *globalOptions, reg prometheus.Registerer, fn func(*almlp.Client) error) (err error) {
	logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	if opts.traceStdout {
		tracing, terr := telemetry.InstallStdoutTracing(cmd.OutOrStdout())
		if terr != nil {
			return terr
		}
		defer func() {
			err = errors.Join(err, tracing.Shutdown(context.WithoutCancel(cmd.Context())))
		}()
	}

	client, err := almlp.New(almlp.Options{
		StoreKind:    opts.store,
		DBPath:       opts.dbPath,
		ArtifactsDir: opts.artifactsDir,
		ExportsDir:   opts.exportsDir,
		Logger:       logger,
		Registerer:   reg,
	})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, client.Close())
	}()
	return fn(client)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func loadRunConfig(path, mode, runID string) (config.File, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.File{}, err
	}
	if cfg.Mode != mode {
		return config.File{}, fmt.Errorf("config %s is for mode %q, not %q", path, cfg.Mode, mode)
	}
	if runID != "" {
		cfg.RunID = runID
	}
	return cfg, nil
}

// applyFileOptions lets the config file choose store and logging settings
// that were not given on the command line.
func applyFileOptions(cmd *cobra.Command, opts *globalOptions, cfg config.File) {
	flags := cmd.Flags()
	if !flags.Changed("store") && cfg.Storage.Kind != "" {
		opts.store = cfg.Storage.Kind
	}
	if !flags.Changed("db-path") && cfg.Storage.Path != "" {
		opts.dbPath = cfg.Storage.Path
	}
	if !flags.Changed("artifacts-dir") && cfg.ArtifactsDir != "" {
		opts.artifactsDir = cfg.ArtifactsDir
	}
	if !flags.Changed("log-level") && cfg.Log.Level != "" {
		opts.logLevel = cfg.Log.Level
	}
	if !flags.Changed("log-format") && cfg.Log.Format != "" {
		opts.logFormat = cfg.Log.Format
	}
}

func loadCandidates(path string) ([]calc.Candidate, error) {
	if path == "" {
		return nil, nil
	}
	return config.LoadCandidates(path)
}

func writeMetrics(opts *globalOptions, g prometheus.Gatherer) error {
	if opts.metricsFile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(opts.metricsFile, g)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f", *v)
}
