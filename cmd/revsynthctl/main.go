package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"revsynth/internal/logging"
	"revsynth/internal/sbox"
	"revsynth/internal/search"
	"revsynth/internal/storage"
	api "revsynth/pkg/revsynth"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		flags      searchConfig
		configPath string
		jsonOut    bool
	)

	root := &cobra.Command{
		Use:   "revsynthctl <maxDepth> <maxThreads> <sbox...>",
		Short: "Search for the cheapest reversible circuit implementing a 4-bit S-box",
		Long: `revsynthctl grows circuits from the identity and from the target S-box
at the same time and joins the two searches once they meet.

The S-box is given as 16 values, decimal or 0x-prefixed hex.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && configPath == "" {
				return usageError("missing arguments")
			}
			cfg := searchConfig{}
			if configPath != "" {
				loaded, err := loadSearchConfig(configPath)
				if err != nil {
					return fmt.Errorf("load config %s: %w", configPath, err)
				}
				cfg = loaded
			}
			applyFlags(cmd, &cfg, flags)
			if err := applyPositional(&cfg, args); err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			return runSearch(cmd.Context(), cmd.OutOrStdout(), cfg, jsonOut)
		},
	}

	f := root.Flags()
	f.StringVar(&flags.Store, "store", storage.DefaultStoreKind(), "node store backend: memory|sqlite|badger")
	f.StringVar(&flags.DBPath, "db-path", "", "sqlite file or badger directory")
	f.StringVar(&flags.LogFile, "log-file", logging.DefaultFile, `progress log path, "-" to disable`)
	f.StringVar(&flags.LogLevel, "log-level", "info", "debug|info|warn|error")
	f.IntVar(&flags.BatchSize, "batch-size", search.DefaultBatchSize, "parent nodes expanded per batch")
	f.StringVar(&flags.ArtifactsDir, "artifacts-dir", "runs", "directory for run artifacts")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while searching")
	f.StringVar(&flags.RunID, "run-id", "", "run id, generated when empty")
	f.BoolVar(&flags.Fresh, "fresh", false, "drop previously stored nodes before searching")
	f.StringVar(&configPath, "config", "", "YAML or JSON file with search settings")
	f.BoolVar(&jsonOut, "json", false, "print the result as JSON")

	root.AddCommand(newRunsCmd(), newExportCmd(), newSpectrumCmd(), newConvertCmd())
	return root
}

// applyPositional fills depth, threads and S-box from the command line.
// Without arguments the config file must supply them.
func applyPositional(cfg *searchConfig, args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) < 3 {
		return usageError("expected <maxDepth> <maxThreads> <sbox...>")
	}
	depth, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("parse max depth %q: %w", args[0], err)
	}
	threads, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("parse max threads %q: %w", args[1], err)
	}
	sb, err := sbox.Parse(args[2:])
	if err != nil {
		return err
	}
	cfg.MaxDepth, cfg.Threads, cfg.SBox = depth, threads, sb
	return nil
}

func runSearch(ctx context.Context, out io.Writer, cfg searchConfig, jsonOut bool) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	opts := api.Options{
		StoreKind:    cfg.Store,
		DBPath:       cfg.DBPath,
		ArtifactsDir: cfg.ArtifactsDir,
		BatchSize:    cfg.BatchSize,
		LogPath:      cfg.LogFile,
		LogLevel:     level,
	}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts.Registerer = reg
		shutdown, err := serveMetrics(cfg.MetricsAddr, reg)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	client, err := api.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Search(ctx, api.SearchRequest{
		SBox:     cfg.SBox,
		MaxDepth: cfg.MaxDepth,
		Threads:  cfg.Threads,
		Fresh:    cfg.Fresh,
		RunID:    cfg.RunID,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary.Result)
	}
	printResult(out, summary)
	return nil
}

func printResult(out io.Writer, summary api.SearchSummary) {
	res := summary.Result
	fmt.Fprintf(out, "run_id=%s outcome=%s rounds=%d target_walsh=%d target_auto=%d\n",
		res.RunID, res.Outcome, res.Rounds, res.TargetBounds.Walsh, res.TargetBounds.Auto)
	switch res.Outcome {
	case search.OutcomeMatched:
		fmt.Fprintf(out, "found via=%s ge=%.2f\n", res.Via, res.Cost)
		fmt.Fprintf(out, "path: %s\n", res.Path)
	case search.OutcomeDepthExhausted:
		if len(res.Alternatives) == 0 {
			fmt.Fprintln(out, "maximum depth reached, no suitable substitute found")
			break
		}
		fmt.Fprintln(out, "maximum depth reached, substitutes:")
		for _, alt := range res.Alternatives {
			fmt.Fprintf(out, "  sbox=[%s] direction=%s ge=%.2f walsh=%d auto=%d hamming=%d line_changes=%d\n",
				sbox.Format(alt.SBox), alt.Direction, alt.Node.Cost, alt.Node.Walsh, alt.Node.Auto,
				alt.HammingDistance, alt.LineChanges)
			fmt.Fprintf(out, "  path: %s\n", alt.Node.Path)
		}
	case search.OutcomeStateSpaceExhausted:
		fmt.Fprintln(out, "every reachable function was visited without a match")
	}
	if summary.ArtifactsDir != "" {
		fmt.Fprintf(out, "artifacts=%s\n", summary.ArtifactsDir)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on metrics address %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server stopped: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func newRunsCmd() *cobra.Command {
	var (
		artifactsDir string
		limit        int
		jsonOut      bool
		show         string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded search runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			client, err := api.New(api.Options{StoreKind: "memory", ArtifactsDir: artifactsDir, LogPath: "-"})
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			out := cmd.OutOrStdout()
			if show != "" {
				detail, err := client.Show(cmd.Context(), show)
				if err != nil {
					return err
				}
				if jsonOut {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(detail)
				}
				printRunDetail(out, detail)
				return nil
			}

			items, err := client.Runs(cmd.Context(), api.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "no runs found")
				return nil
			}
			for _, item := range items {
				fmt.Fprintf(out, "run_id=%s created_at=%s outcome=%s ge=%.2f rounds=%d max_depth=%d store=%s sbox=[%s]\n",
					item.RunID, item.CreatedAtUTC, item.Outcome, item.Cost, item.Rounds, item.MaxDepth, item.Store, sbox.Format(item.SBox))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&artifactsDir, "artifacts-dir", "runs", "directory holding run artifacts")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs list as JSON")
	cmd.Flags().StringVar(&show, "show", "", "print the config, result and round series of one run")
	return cmd
}

func printRunDetail(out io.Writer, d api.RunDetail) {
	cfg := d.Config
	fmt.Fprintf(out, "run_id=%s sbox=[%s] max_depth=%d threads=%d workers=%d batch_size=%d store=%s\n",
		cfg.RunID, sbox.Format(cfg.SBox), cfg.MaxDepth, cfg.Threads, cfg.Workers, cfg.BatchSize, cfg.Store)
	printResult(out, api.SearchSummary{Result: d.Result})
	for i, f := range d.Frontiers {
		fmt.Fprintf(out, "round=%d forward_frontier=%d backward_frontier=%d\n", i+1, f[0], f[1])
	}
}

func newExportCmd() *cobra.Command {
	var (
		artifactsDir string
		runID        string
		latest       bool
		outDir       string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy the artifacts of one run to another directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := api.New(api.Options{StoreKind: "memory", ArtifactsDir: artifactsDir, ExportsDir: outDir, LogPath: "-"})
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			summary, err := client.Export(cmd.Context(), api.ExportRequest{RunID: runID, Latest: latest})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s dir=%s\n", summary.RunID, summary.Directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&artifactsDir, "artifacts-dir", "runs", "directory holding run artifacts")
	cmd.Flags().StringVar(&runID, "run-id", "", "run to export")
	cmd.Flags().BoolVar(&latest, "latest", false, "export the newest run")
	cmd.Flags().StringVar(&outDir, "out", "exports", "destination directory")
	return cmd
}

func newSpectrumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "spectrum <sbox...>",
		Short: "Print the Walsh and autocorrelation bounds of a 4-bit S-box",
		Args:  cobra.ExactArgs(16),
		RunE: func(cmd *cobra.Command, args []string) error {
			sb, err := sbox.Parse(args)
			if err != nil {
				return err
			}
			report, err := api.Spectrum(sb)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, col := range report.Columns {
				fmt.Fprintf(out, "line=%c column=%#06x walsh=%d auto=%d\n",
					'a'+i, col, report.PerLine[i].Walsh, report.PerLine[i].Auto)
			}
			fmt.Fprintf(out, "combined walsh=%d auto=%d\n", report.Combined.Walsh, report.Combined.Auto)
			return nil
		},
	}
}

func newConvertCmd() *cobra.Command {
	var fromColumns bool
	cmd := &cobra.Command{
		Use:   "convert <values...>",
		Short: "Convert between an S-box and its column functions",
		Long: `convert turns a 2^n-entry S-box into its n column functions, most
significant output bit first. With --from-columns it reads n columns and
prints the S-box.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if fromColumns {
				cols := make([]uint64, 0, len(args))
				for _, arg := range args {
					v, err := strconv.ParseUint(strings.TrimSpace(arg), 0, 64)
					if err != nil {
						return fmt.Errorf("parse column %q: %w", arg, err)
					}
					cols = append(cols, v)
				}
				sb, err := api.FromColumns(cols)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, sbox.Format(sb))
				return nil
			}

			sb, err := sbox.Parse(args)
			if err != nil {
				return err
			}
			cols, err := api.ToColumns(sb)
			if err != nil {
				return err
			}
			width := (len(sb) + 3) / 4
			parts := make([]string, len(cols))
			for i, col := range cols {
				parts[i] = fmt.Sprintf("%#0*x", width+2, col)
			}
			fmt.Fprintln(out, strings.Join(parts, " "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromColumns, "from-columns", false, "read column functions and print the S-box")
	return cmd
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: revsynthctl <maxDepth> <maxThreads> <sbox...> [flags] | revsynthctl <runs|export|spectrum|convert> [flags]", msg)
}
