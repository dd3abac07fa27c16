package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opscart/nfit/pkg/analyzer"
	"github.com/opscart/nfit/pkg/cache"
	"github.com/opscart/nfit/pkg/config"
	"github.com/opscart/nfit/pkg/logging"
	"github.com/opscart/nfit/pkg/profile"
	"github.com/opscart/nfit/pkg/recommender"
	"github.com/opscart/nfit/pkg/reporter"
	"github.com/opscart/nfit/pkg/storage"
)

var (
	// Input flags
	perfFiles     []string
	eventsFiles   []string
	usePrometheus bool
	promDays      int
	useCache      bool

	// Analyze flags
	entities     []string
	endTime      string
	reportFormat string
	reportOutput string
	auditOutput  string
	saveResults  bool

	// History flags
	historyLimit int

	// Global config
	v      = config.NewViper()
	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nfit",
		Short: "LPAR CPU entitlement recommendations",
		Long: `Analyse per-minute PhysC and run-queue history of logical partitions and
recommend a CPU entitlement per profile, with a full audit trail.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().String("cache-dir", ".nfit-cache", "Cache directory")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().String("log-format", config.LogConsole, "Log format: console, json")
	rootCmd.PersistentFlags().Int("workers", 4, "Entities analysed in parallel")
	rootCmd.PersistentFlags().String("profiles", "", "YAML profile file (default: built-in profiles)")
	rootCmd.PersistentFlags().String("storage-driver", config.DriverSQLite, "Result history driver: sqlite, postgres")
	rootCmd.PersistentFlags().String("database-url", "", "Result history DSN (SQLite path or Postgres URL)")
	rootCmd.PersistentFlags().String("prometheus-url", "http://localhost:9090", "Prometheus server URL")
	bindFlags(rootCmd, map[string]string{
		"cache_dir":      "cache-dir",
		"verbose":        "verbose",
		"log_format":     "log-format",
		"workers":        "workers",
		"profiles_file":  "profiles",
		"storage_driver": "storage-driver",
		"database_url":   "database-url",
		"prometheus_url": "prometheus-url",
	})

	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Compute entitlement recommendations",
		Run:   runAnalyze,
	}
	addInputFlags(analyzeCmd)
	analyzeCmd.Flags().StringSliceVar(&entities, "entity", nil, "Restrict the run to these entities")
	analyzeCmd.Flags().StringVar(&endTime, "end", "", "Analysis end (default: each entity's last sample)")
	analyzeCmd.Flags().StringVarP(&reportFormat, "format", "f", "csv", "Report format: csv, json, html")
	analyzeCmd.Flags().StringVarP(&reportOutput, "output", "o", "-", "Report file, - for stdout")
	analyzeCmd.Flags().StringVar(&auditOutput, "audit", "", "Write the JSON audit trail to this file")
	analyzeCmd.Flags().String("metrics-file", "", "Write run metrics in Prometheus text format to this file")
	analyzeCmd.Flags().Int("days", 0, "Analysis range in days (default: whole data span)")
	analyzeCmd.Flags().String("smoothing", string(analyzer.MethodSMA), "Smoothing method: sma, ema")
	analyzeCmd.Flags().Bool("no-growth", false, "Disable growth prediction")
	analyzeCmd.Flags().BoolVar(&saveResults, "save", false, "Save results to the history database")
	bindFlags(analyzeCmd, map[string]string{
		"metrics_file":     "metrics-file",
		"analysis_days":    "days",
		"smoothing_method": "smoothing",
	})

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the data cache",
	}
	cacheBuildCmd := &cobra.Command{
		Use:   "build",
		Short: "Merge inputs and commit them to the data cache",
		Run:   runCacheBuild,
	}
	addInputFlags(cacheBuildCmd)
	cacheCmd.AddCommand(
		cacheBuildCmd,
		&cobra.Command{Use: "clear", Short: "Remove the data cache and cached results", Run: runCacheClear},
		&cobra.Command{Use: "info", Short: "Show the committed data cache", Run: runCacheInfo},
	)

	historyCmd := &cobra.Command{
		Use:   "history <entity>",
		Short: "View stored results for an entity",
		Args:  cobra.ExactArgs(1),
		Run:   runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of results to show")

	auditCmd := &cobra.Command{
		Use:   "audit <result-id>",
		Short: "View the audit trail of a stored result",
		Args:  cobra.ExactArgs(1),
		Run:   runAudit,
	}

	rootCmd.AddCommand(analyzeCmd, cacheCmd, historyCmd, auditCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addInputFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&perfFiles, "perf", "p", nil, "Performance CSV file(s); repeated sources are merged")
	cmd.Flags().StringSliceVarP(&eventsFiles, "events", "e", nil, "Configuration event CSV file(s); events from every file are combined")
	cmd.Flags().BoolVar(&usePrometheus, "use-prometheus", false, "Fetch performance data from Prometheus")
	cmd.Flags().IntVar(&promDays, "prometheus-days", 30, "Days of history to fetch from Prometheus")
	cmd.Flags().BoolVar(&useCache, "use-cache", false, "Read from (and rebuild) the data cache")
}

func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			panic(err)
		}
	}
}

// setup builds the configuration and logger once flags are parsed
func setup(cmd *cobra.Command, args []string) error {
	if f := cmd.Flags().Lookup("no-growth"); f != nil && f.Changed {
		v.Set("growth_prediction", false)
	}

	var err error
	cfg, err = config.FromViper(v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.LogFormat == config.LogJSON {
		logger, err = logging.NewJSON(cfg.Verbose)
	} else {
		logger, err = logging.New(cfg.Verbose)
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func loadProfiles() (profile.Set, error) {
	set := profile.Defaults()
	if cfg.ProfilesFile != "" {
		var err error
		if set, err = profile.LoadFile(cfg.ProfilesFile); err != nil {
			return nil, err
		}
	}
	return set.WithMethod(analyzer.Method(cfg.SmoothingMethod)), nil
}

func runAnalyze(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	format, err := reporter.ParseFormat(reportFormat)
	if err != nil {
		fail(err)
	}
	profiles, err := loadProfiles()
	if err != nil {
		fail(err)
	}

	dc := cache.NewDataCache(cfg.CacheDir, cfg.LockTimeout, logger)
	in, err := loadInput(ctx, dc)
	if err != nil {
		fail(err)
	}
	in.Entities = entities
	if endTime != "" {
		end, err := parseEnd(endTime)
		if err != nil {
			fail(err)
		}
		in.End = end
	}

	rec := recommender.New(cfg, profiles, dc.Results(cfg.ResultTTL), logger)
	run, runErr := rec.Run(ctx, in)
	if run == nil {
		fail(runErr)
	}

	if err := writeTo(reportOutput, func(w io.Writer) error {
		r := reporter.New(format)
		report, err := r.Generate(run)
		if err != nil {
			return err
		}
		return r.Write(report, w)
	}); err != nil {
		fail(err)
	}
	if auditOutput != "" {
		if err := writeTo(auditOutput, func(w io.Writer) error { return reporter.WriteAudit(w, run) }); err != nil {
			fail(err)
		}
	}
	if cfg.MetricsFile != "" {
		if err := writeTo(cfg.MetricsFile, rec.WriteMetrics); err != nil {
			fail(err)
		}
	}

	if runErr != nil {
		fail(fmt.Errorf("run incomplete: %w", runErr))
	}

	if saveResults || cfg.StorageEnabled {
		if err := saveRun(ctx, run); err != nil {
			fail(err)
		}
	}
}

func saveRun(ctx context.Context, run *recommender.Run) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	stored, err := store.SaveResults(ctx, storage.RunRecord{
		ID:          run.ID,
		Fingerprint: run.Fingerprint,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Entities:    len(run.Entities()),
	}, run.Results)
	if err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	logger.Info("Saved results", zap.String("run", run.ID), zap.Int("results", len(stored)))
	return nil
}

func openStore(ctx context.Context) (storage.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("no history database configured (--database-url or NFIT_DATABASE_URL)")
	}
	store, err := storage.Open(ctx, storage.Config{Driver: cfg.StorageDriver, DSN: cfg.DatabaseURL}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

func runCacheBuild(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	if len(perfFiles) == 0 && !usePrometheus {
		fail(errors.New("cache build needs --perf or --use-prometheus"))
	}
	useCache = false

	dc := cache.NewDataCache(cfg.CacheDir, cfg.LockTimeout, logger)
	sources, err := readSources(ctx)
	if err != nil {
		fail(err)
	}
	m, err := dc.Build(ctx, sources.records, sources.timeline)
	if err != nil {
		fail(err)
	}
	printManifest(m)
}

func runCacheClear(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	if err := cache.NewDataCache(cfg.CacheDir, cfg.LockTimeout, logger).Clear(ctx); err != nil {
		fail(err)
	}
	fmt.Printf("Cleared %s\n", cfg.CacheDir)
}

func runCacheInfo(cmd *cobra.Command, args []string) {
	m, err := cache.NewDataCache(cfg.CacheDir, cfg.LockTimeout, logger).Manifest()
	if errors.Is(err, cache.ErrMiss) {
		fmt.Printf("No data cache in %s\n", cfg.CacheDir)
		return
	}
	if err != nil {
		fail(err)
	}
	printManifest(m)
}

func printManifest(m cache.Manifest) {
	fmt.Printf("Data cache: %s\n", cfg.CacheDir)
	fmt.Printf("   Fingerprint: %s\n", m.Fingerprint)
	fmt.Printf("   Records: %s across %d entities\n", humanize.Comma(int64(m.Records)), m.Entities)
	fmt.Printf("   Range: %s to %s\n", m.First.Format("2006-01-02 15:04"), m.Last.Format("2006-01-02 15:04"))
	fmt.Printf("   Size: %s\n", humanize.Bytes(uint64(m.PerfBytes)))
	fmt.Printf("   Built: %s\n", humanize.Time(m.BuiltAt))
}

func runHistory(cmd *cobra.Command, args []string) {
	entity := args[0]
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		fail(err)
	}
	defer store.Close()

	results, err := store.ListResults(ctx, entity, historyLimit)
	if err != nil {
		fail(err)
	}

	if len(results) == 0 {
		fmt.Printf("No results found for entity: %s\n", entity)
		return
	}

	fmt.Printf("Recent results for entity '%s':\n\n", entity)
	for i, sr := range results {
		res := sr.Result
		fmt.Printf("%d. %s (ID: %s)\n", i+1, res.Profile, sr.ID)
		if res.Unavailable {
			fmt.Printf("   Unavailable: %s\n", res.UnavailableReason)
		} else {
			fmt.Printf("   Entitlement: %.4f (base %.4f, growth %+.4f, additive %+.4f)\n",
				res.FinalValue, res.BaseValue, res.GrowthAdjustment, res.AdditiveCPU)
		}
		if len(res.PressureFlags) > 0 {
			fmt.Printf("   Flags: %s\n", strings.Join(res.PressureFlags, ", "))
		}
		fmt.Printf("   Run: %s\n", sr.RunID)
		fmt.Printf("   Computed: %s\n", res.ComputedAt.Format("2006-01-02 15:04:05"))
		fmt.Println()
	}
}

func runAudit(cmd *cobra.Command, args []string) {
	resultID := args[0]
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		fail(err)
	}
	defer store.Close()

	steps, err := store.GetAudit(ctx, resultID)
	if err != nil {
		fail(err)
	}
	if len(steps) == 0 {
		fmt.Println("No audit steps recorded")
		return
	}

	fmt.Printf("Audit trail for %s:\n", resultID)
	for i, step := range steps {
		fmt.Printf("%d. %s: %s\n", i+1, step.Stage, step.Decision)
		fmt.Printf("   Value: %.4f\n", step.Value)
		for k, val := range step.Inputs {
			fmt.Printf("   %s = %g\n", k, val)
		}
	}
}

func parseEnd(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", time.DateOnly} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --end %q", raw)
}

func writeTo(path string, fn func(io.Writer) error) error {
	if path == "-" {
		return fn(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
