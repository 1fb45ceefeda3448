package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"drivetest-pipeline/internal/api"
	"drivetest-pipeline/internal/config"
	"drivetest-pipeline/internal/export"
	"drivetest-pipeline/internal/logging"
	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/monitoring"
	"drivetest-pipeline/internal/pipeline"
	"drivetest-pipeline/internal/stats"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	cfgPath   string
	cachePath string
	backend   string
	logLevel  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "drivetest",
		Short: "Drive-test telemetry pipeline - fetch, filter, classify and aggregate radio samples",
		Long: `A CLI tool and REST server for drive-test telemetry.
Fetches paginated session logs, filters them by map polygons, colors metrics
by threshold rules, detects PCI collisions and aggregates statistics per
operator and technology, with a durable SQLite or Pebble cache.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&cachePath, "cache", "", "Override cache path")
	rootCmd.PersistentFlags().StringVar(&backend, "cache-backend", "", "Override cache backend (sqlite, pebble, memory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level")

	// Add commands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(neighborsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(legendCmd())
	rootCmd.AddCommand(polygonCmd())
	rootCmd.AddCommand(cacheCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, err
	}
	if cachePath != "" {
		cfg.Cache.Path = cachePath
	}
	if backend != "" {
		cfg.Cache.Backend = strings.ToLower(backend)
	}
	if logLevel != "" {
		cfg.Logging.Level = strings.ToLower(logLevel)
	}
	return cfg, cfg.Validate()
}

type app struct {
	cfg     config.Config
	svc     *pipeline.Service
	metrics *monitoring.Metrics
	logger  zerolog.Logger
}

// initApp wires the service from configuration
func initApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("logging error: %w", err)
	}
	metrics := monitoring.New()

	svc, err := pipeline.NewFromConfig(ctx, cfg, nil, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("cache error: %w", err)
	}
	return &app{cfg: cfg, svc: svc, metrics: metrics, logger: logger}, nil
}

func (a *app) close() {
	if err := a.svc.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing pipeline")
	}
}

// loadThresholds pulls remote rule sets; the built-in defaults stay on failure
func (a *app) loadThresholds(ctx context.Context) {
	if _, err := a.svc.LoadThresholds(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("using default thresholds")
	}
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// writeOutput writes to path, or to stdout when path is "-"
func writeOutput(path string, write func(io.Writer) error) error {
	if path == "-" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// serveCmd starts the REST API server
func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			a.loadThresholds(ctx)

			if port == 0 {
				port = a.cfg.Server.Port
			}
			server := api.NewServer(a.svc, a.metrics, a.logger)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			a.logger.Info().
				Str("addr", srv.Addr).
				Str("upstream", a.cfg.Upstream.TelemetryURL).
				Str("cache", a.cfg.Cache.Backend).
				Msg("drivetest API server listening")

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.logger.Info().Msg("shutting down")
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Server port (default from config)")
	return cmd
}

// fetchCmd walks the log pages for sessions and prints a summary
func fetchCmd() *cobra.Command {
	var polygons []string
	var csvPath string
	var outputFormat string
	var refresh bool

	cmd := &cobra.Command{
		Use:   "fetch [session_id...]",
		Short: "Fetch samples for drive-test sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			a.svc.Observe(func(key string, p models.Progress) {
				fmt.Fprintf(os.Stderr, "\rPage %d/%d  %s/%s samples...",
					p.Page, p.TotalPages, humanize.Comma(int64(p.Current)), humanize.Comma(int64(p.Total)))
			})
			go func() {
				<-ctx.Done()
				a.svc.CancelFetch()
			}()

			start := time.Now()
			if refresh {
				if _, err := a.svc.Refresh(ctx, args); err != nil {
					return fmt.Errorf("fetch error: %w", err)
				}
			}
			res, err := a.svc.SamplesInPolygons(ctx, args, polygons)
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("fetch error: %w", err)
			}
			elapsed := time.Since(start)

			if csvPath != "" {
				if err := writeOutput(csvPath, func(w io.Writer) error { return export.WriteSamples(w, res.Samples) }); err != nil {
					return err
				}
			}

			switch outputFormat {
			case "json":
				return printJSON(res)
			default:
				fmt.Printf("Fetched %s samples over %d pages in %v\n",
					humanize.Comma(int64(len(res.Samples))), res.Pages, elapsed.Round(time.Millisecond))
				fmt.Printf("  Records:  %s kept, %s dropped\n",
					humanize.Comma(int64(res.Drops.Kept)), humanize.Comma(int64(res.Drops.Dropped)))
				if len(polygons) > 0 {
					fmt.Printf("  Polygons: %s\n", strings.Join(polygons, ", "))
				}
				if res.Partial {
					fmt.Printf("  Partial result: %v\n", res.Err)
				}
				if res.Cancelled {
					fmt.Println("  Fetch cancelled")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&polygons, "polygon", nil, "Keep only samples inside these polygon ids")
	cmd.Flags().StringVar(&csvPath, "csv", "", "Export samples to CSV file (- for stdout)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cache")
	return cmd
}

// neighborsCmd resolves neighbor cells and PCI collisions
func neighborsCmd() *cobra.Command {
	var csvPath string
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "neighbors [session_id...]",
		Short: "Detect PCI collisions across sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.svc.Neighbors(ctx, args)
			if err != nil {
				return fmt.Errorf("neighbor error: %w", err)
			}
			if res.Cancelled {
				fmt.Println("Neighbor query cancelled")
				return nil
			}

			if csvPath != "" {
				if err := writeOutput(csvPath, func(w io.Writer) error { return export.WriteCollisions(w, res.Collisions) }); err != nil {
					return err
				}
			}

			if outputFormat == "json" {
				return printJSON(res)
			}
			st := res.Stats
			fmt.Printf("Neighbors: %d records, %d unique PCIs, %d collisions (%d/%d sessions failed)\n\n",
				st.Total, st.UniquePCIs, st.Collisions, st.SessionsFailed, st.Sessions)
			if len(res.Collisions) == 0 {
				fmt.Println("No PCI collisions found.")
				return nil
			}
			fmt.Printf("%-8s %-10s %-30s %s\n", "PCI", "Locations", "Cells", "Sessions")
			fmt.Println(strings.Repeat("-", 70))
			for _, c := range res.Collisions {
				fmt.Printf("%-8s %-10d %-30s %s\n", c.PCI, c.LocationCount,
					strings.Join(c.CellIDs, ","), strings.Join(c.Sessions, ","))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "Export collisions to CSV file (- for stdout)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// statsCmd aggregates a metric per operator and technology
func statsCmd() *cobra.Command {
	var metric string
	var group string
	var mode string
	var fromSamples bool
	var csvPath string
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "stats [session_id...]",
		Short: "Aggregate a metric per operator and technology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			g, err := stats.ParseGrouping(group)
			if err != nil {
				return err
			}

			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			start := time.Now()
			var out []models.AggregatedStat
			if fromSamples {
				if len(args) == 0 {
					return errors.New("--samples needs at least one session id")
				}
				res, err := a.svc.Samples(ctx, args)
				if err != nil {
					return fmt.Errorf("fetch error: %w", err)
				}
				out, err = a.svc.SampleStats(res.Samples, metric, g)
				if err != nil {
					return fmt.Errorf("stats error: %w", err)
				}
			} else {
				out, err = a.svc.Aggregate(ctx, pipeline.AggregateRequest{
					Metric:     metric,
					SessionIDs: args,
					Grouping:   g,
					Mode:       models.AggregationMode(mode),
				})
				if err != nil {
					return fmt.Errorf("stats error: %w", err)
				}
			}
			elapsed := time.Since(start)

			if csvPath != "" {
				if err := writeOutput(csvPath, func(w io.Writer) error { return export.WriteStats(w, metric, out) }); err != nil {
					return err
				}
			}

			if outputFormat == "json" {
				return printJSON(out)
			}
			fmt.Printf("📊 %s by %s (%d groups, %v)\n", metric, g, len(out), elapsed.Round(time.Millisecond))
			fmt.Println(strings.Repeat("=", 72))
			for _, s := range out {
				if s.Mode == models.ModeQuantile {
					fmt.Printf("  %-24s min %7.1f  q1 %7.1f  med %7.1f  q3 %7.1f  max %7.1f  (n=%s)\n",
						s.Key, s.Min, s.Q1, s.Median, s.Q3, s.Max, humanize.Comma(int64(s.SampleCount)))
					continue
				}
				fmt.Printf("  %-24s mean %8.2f  (n=%s)\n", s.Key, s.Mean, humanize.Comma(int64(s.SampleCount)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&metric, "metric", "m", "rsrp", "Metric name")
	cmd.Flags().StringVarP(&group, "group", "g", "operator", "Grouping (operator, technology, operator_technology)")
	cmd.Flags().StringVar(&mode, "mode", string(models.ModeMean), "Aggregation mode (mean, box)")
	cmd.Flags().BoolVar(&fromSamples, "samples", false, "Summarize fetched samples instead of remote aggregates")
	cmd.Flags().StringVar(&csvPath, "csv", "", "Export statistics to CSV file (- for stdout)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// legendCmd prints the color legend for a metric
func legendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "legend [metric]",
		Short: "Show the threshold legend for a metric",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			a.loadThresholds(ctx)

			legend, err := a.svc.Legend(args[0])
			if err != nil {
				return err
			}
			if len(legend) == 0 {
				fmt.Printf("No thresholds configured for %s\n", args[0])
				return nil
			}
			fmt.Printf("%-10s %-24s %-10s %-10s\n", "Color", "Label", "Min", "Max")
			fmt.Println(strings.Repeat("-", 56))
			for _, e := range legend {
				fmt.Printf("%-10s %-24s %-10g %-10g\n", e.Color, e.Label, e.Min, e.Max)
			}
			return nil
		},
	}
}

// polygonCmd manages stored polygons
func polygonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "polygon",
		Short: "Polygon management commands",
	}

	// List subcommand
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored polygons",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			polys, err := a.svc.Polygons(ctx)
			if err != nil {
				return fmt.Errorf("error listing polygons: %w", err)
			}
			if len(polys) == 0 {
				fmt.Println("No polygons found. Use 'drivetest polygon import' to add one.")
				return nil
			}
			fmt.Printf("%-12s %-24s %-6s %s\n", "ID", "Name", "Rings", "Sessions")
			fmt.Println(strings.Repeat("-", 60))
			for _, p := range polys {
				fmt.Printf("%-12s %-24s %-6d %s\n", p.ID, p.Name, len(p.Rings), strings.Join(p.SessionIDs, ","))
			}
			return nil
		},
	}

	// Import subcommand
	var sessions []string
	importCmd := &cobra.Command{
		Use:   "import [file.geojson]",
		Short: "Import polygons from a GeoJSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			ids, err := a.svc.ImportGeoJSON(ctx, data, sessions)
			if err != nil {
				return fmt.Errorf("import error: %w", err)
			}
			fmt.Printf("✓ Imported %d polygons: %s\n", len(ids), strings.Join(ids, ", "))
			return nil
		},
	}
	importCmd.Flags().StringSliceVar(&sessions, "sessions", nil, "Sessions the polygons belong to")

	// Delete subcommand
	deleteCmd := &cobra.Command{
		Use:   "delete [polygon_id]",
		Short: "Delete a stored polygon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.svc.DeletePolygon(ctx, args[0]); err != nil {
				return fmt.Errorf("delete error: %w", err)
			}
			fmt.Printf("✓ Deleted polygon %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, importCmd, deleteCmd)
	return cmd
}

// cacheCmd inspects and purges the durable cache
func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Cache management commands",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cached entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			entries := a.svc.CacheStats()
			var total int
			fmt.Printf("%-40s %-10s %-22s %s\n", "Key", "Size", "Stored", "Expired")
			fmt.Println(strings.Repeat("-", 82))
			for _, e := range entries {
				total += e.Bytes
				fmt.Printf("%-40s %-10s %-22s %v\n", e.Key, humanize.Bytes(uint64(e.Bytes)),
					humanize.Time(e.StoredAt), e.Expired)
			}
			fmt.Printf("\n%d entries, %s (%s: %s)\n", len(entries), humanize.Bytes(uint64(total)),
				a.cfg.Cache.Backend, a.cfg.Cache.Path)

			stored, err := a.svc.StoreStats(ctx)
			if err != nil {
				return fmt.Errorf("error getting store stats: %w", err)
			}
			for _, k := range []string{"cache_entries", "cache_bytes", "oldest_entry"} {
				if v, ok := stored[k]; ok {
					fmt.Printf("  %-16s %v\n", k+":", v)
				}
			}
			return nil
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge [namespace]",
		Short: "Remove cached entries, optionally only one namespace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			ns := ""
			if len(args) == 1 {
				ns = args[0]
			}
			n := a.svc.PurgeCache(ns)
			fmt.Printf("✓ Removed %d cache entries\n", n)
			return nil
		},
	}

	cmd.AddCommand(statsCmd, purgeCmd)
	return cmd
}
