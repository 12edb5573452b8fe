package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/SVDmodel/SVD-sub000/internal/config"
	"github.com/SVDmodel/SVD-sub000/internal/cycle"
	"github.com/SVDmodel/SVD-sub000/internal/metrics"
	"github.com/SVDmodel/SVD-sub000/internal/model"
	"github.com/SVDmodel/SVD-sub000/internal/storage"
	"github.com/SVDmodel/SVD-sub000/internal/viz"
)

var (
	dataDir     string
	configFile  string
	preset      string
	years       int
	seed        int64
	batchSize   int
	maxBatches  int
	workers     int
	threads     int
	metricsAddr string
	watch       bool
	logLevel    string
	useSQLite   bool
	audit       bool
	jsonOut     bool
	outFile     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "svd",
		Short:        "batched landscape vegetation simulation",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", config.DefaultOutputDir, "run data directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run a simulation",
		Args:  cobra.NoArgs,
		RunE:  runSimulation,
	}
	runCmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	runCmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
	runCmd.Flags().IntVar(&years, "years", config.DefaultYears, "number of simulated years")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	runCmd.Flags().IntVar(&batchSize, "batch-size", config.DefaultBatchSize, "cells per batch")
	runCmd.Flags().IntVar(&maxBatches, "max-batches", config.DefaultMaxBatches, "maximum live batches")
	runCmd.Flags().IntVar(&workers, "workers", 0, "inference workers (0 = GOMAXPROCS)")
	runCmd.Flags().IntVar(&threads, "threads", 0, "landscape scan workers (0 = GOMAXPROCS)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	runCmd.Flags().BoolVar(&watch, "watch", false, "show a live terminal view")
	runCmd.Flags().BoolVar(&useSQLite, "sqlite", false, "record cycles and transitions in svd.db")
	runCmd.Flags().BoolVar(&audit, "audit", false, "keep a per-cell transition audit")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		Args:  cobra.NoArgs,
		RunE:  listRuns,
	}

	showCmd := &cobra.Command{
		Use:   "show [run_id]",
		Short: "show a run summary",
		Args:  cobra.ExactArgs(1),
		RunE:  showRun,
	}
	showCmd.Flags().BoolVar(&jsonOut, "json", false, "export the run as JSON")
	showCmd.Flags().StringVarP(&outFile, "out", "o", "", "write the JSON export to a file")
	showCmd.Flags().BoolVar(&useSQLite, "sqlite", false, "read cycles and transition counts from svd.db")

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available presets",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("available presets:")
			for _, p := range config.ListPresets() {
				fmt.Printf("  %s\n", p)
			}
		},
	}

	rootCmd.AddCommand(runCmd, listCmd, showCmd, presetsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(w *os.File) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", logLevel)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// loadConfig applies, in order: defaults, preset, config file, changed flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if preset != "" {
		cfg = config.GetPreset(preset)
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
		}
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("years") {
		cfg.Years = years
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("batch-size") {
		cfg.Scheduler.BatchSize = batchSize
	}
	if flags.Changed("max-batches") {
		cfg.Scheduler.MaxBatches = maxBatches
	}
	if flags.Changed("workers") {
		cfg.DNN.Workers = workers
	}
	if flags.Changed("threads") {
		cfg.Threads = threads
	}
	if flags.Changed("sqlite") {
		cfg.Output.SQLite = useSQLite
	}
	if flags.Changed("audit") {
		cfg.Output.Audit = audit
	}
	if cmd.Flags().Changed("data") || cfg.Output.Dir == "" {
		cfg.Output.Dir = dataDir
	}
	return cfg, cfg.Validate()
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st := storage.New(cfg.Output.Dir)
	run, err := startRun(st, storage.RunMetadata{
		Preset:     preset,
		Seed:       cfg.Seed,
		Years:      cfg.Years,
		Width:      cfg.Landscape.Width,
		Height:     cfg.Landscape.Height,
		BatchSize:  cfg.Scheduler.BatchSize,
		MaxBatches: cfg.Scheduler.MaxBatches,
	}, cfg)
	if err != nil {
		return err
	}
	// fail marks the run failed for errors before the simulation starts
	fail := func(err error) error {
		_ = run.Close(nil, err)
		return err
	}

	// the live view owns the terminal, so logs go to the run directory
	logOut := os.Stderr
	if watch {
		f, err := os.Create(filepath.Join(run.Dir(), "svd.log"))
		if err != nil {
			return fail(err)
		}
		defer f.Close()
		logOut = f
	}
	logger, err := newLogger(logOut)
	if err != nil {
		return fail(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var recorder *storage.Recorder
	if cfg.Output.SQLite {
		recorder, err = storage.OpenRecorder(filepath.Join(cfg.Output.Dir, "svd.db"))
		if err != nil {
			return fail(err)
		}
		defer recorder.Close()
	}

	sim, err := model.New(cfg, model.WithLogger(logger), model.WithMetrics(m))
	if err != nil {
		return fail(err)
	}
	rec := model.NewRecording(run, recorder, logger)
	sim.AddObserver(rec)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res *model.Result
	var runErr error
	if watch {
		res, runErr = runWatched(ctx, sim, run.ID(), cfg.Years)
	} else {
		res, runErr = sim.Run(ctx)
	}

	if err := rec.Err(); err != nil && runErr == nil {
		runErr = fmt.Errorf("recording: %w", err)
	}
	if err := run.Close(res.Metrics, runErr); err != nil {
		logger.Error("close run", slog.String("run", run.ID()), slog.String("error", err.Error()))
	}

	stats := make([]storage.CycleStats, len(res.Reports))
	for i, rep := range res.Reports {
		stats[i] = model.Stats(rep)
	}
	fmt.Println(viz.Summary("run "+run.ID(), stats, res.Histogram, cfg.States))
	return runErr
}

// startRun creates the run directory and stores the effective config next
// to it. A run that cannot store its config is closed as failed.
func startRun(st *storage.Store, meta storage.RunMetadata, cfg *config.Config) (*storage.Run, error) {
	if err := st.Init(); err != nil {
		return nil, err
	}
	run, err := st.Create(meta)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := config.Save(filepath.Join(run.Dir(), "config.yaml"), cfg); err != nil {
		err = fmt.Errorf("save config: %w", err)
		_ = run.Close(nil, err)
		return nil, err
	}
	return run, nil
}

func runWatched(ctx context.Context, sim *model.Simulation, id string, years int) (*model.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := viz.NewWatch("svd "+id, years, cancel)
	sim.AddObserver(model.ObserverFunc(func(rep cycle.Report) { w.Cycle(model.Stats(rep)) }))

	var res *model.Result
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, runErr = sim.Run(ctx)
		w.Done(runErr)
	}()

	if err := w.Run(); err != nil {
		cancel()
		<-done
		return res, errors.Join(runErr, err)
	}
	<-done
	return res, runErr
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))
	return srv
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRESET\tTIME\tYEARS\tGRID\tBATCH\tSTATUS")

	for _, run := range runs {
		p := run.Preset
		if p == "" {
			p = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dx%d\t%d/%d\t%s\n",
			run.ID,
			p,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Years,
			run.Width, run.Height,
			run.BatchSize, run.MaxBatches,
			run.Status,
		)
	}

	return w.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	runID := args[0]
	st := storage.New(dataDir)

	if jsonOut || outFile != "" {
		if outFile != "" {
			if err := st.ExportFile(outFile, runID); err != nil {
				return err
			}
			fmt.Printf("exported %s to %s\n", runID, outFile)
			return nil
		}
		return st.Export(os.Stdout, runID)
	}

	meta, err := st.Load(runID)
	if err != nil {
		return err
	}

	var cycles []storage.CycleStats
	var transitions map[int]int
	if useSQLite {
		cycles, transitions, err = loadRecorded(cmd.Context(), runID)
	} else {
		cycles, err = st.LoadCycles(runID)
	}
	if err != nil {
		return err
	}

	title := fmt.Sprintf("run %s (%s)", meta.ID, meta.Status)
	if meta.Error != "" {
		title += ": " + strings.TrimSpace(meta.Error)
	}
	fmt.Println(viz.Summary(title, cycles, nil, nil))

	if len(transitions) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "YEAR\tTRANSITIONS")
		for _, c := range cycles {
			fmt.Fprintf(w, "%d\t%d\n", c.Year, transitions[c.Year])
		}
		return w.Flush()
	}
	return nil
}

// loadRecorded reads a run's cycles and per-year audit counts from svd.db.
func loadRecorded(ctx context.Context, runID string) ([]storage.CycleStats, map[int]int, error) {
	path := filepath.Join(dataDir, "svd.db")
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("no sqlite output in %s: %w", dataDir, err)
	}
	rec, err := storage.OpenRecorder(path)
	if err != nil {
		return nil, nil, err
	}
	defer rec.Close()

	cycles, err := rec.Cycles(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	counts, err := rec.TransitionCounts(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return cycles, counts, nil
}
