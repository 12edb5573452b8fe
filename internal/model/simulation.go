// Package model assembles a complete simulation from a config: landscape,
// owner modules, inference engine, batch pool, dispatcher and orchestrator.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/SVDmodel/SVD-sub000/internal/config"
	"github.com/SVDmodel/SVD-sub000/internal/cycle"
	"github.com/SVDmodel/SVD-sub000/internal/dispatch"
	"github.com/SVDmodel/SVD-sub000/internal/engine"
	"github.com/SVDmodel/SVD-sub000/internal/landscape"
	"github.com/SVDmodel/SVD-sub000/internal/metrics"
	"github.com/SVDmodel/SVD-sub000/internal/module"
	"github.com/SVDmodel/SVD-sub000/internal/pool"
)

// Observer is notified after every finished year, on the goroutine that
// called Run.
type Observer interface {
	OnCycle(rep cycle.Report)
}

type ObserverFunc func(rep cycle.Report)

func (f ObserverFunc) OnCycle(rep cycle.Report) { f(rep) }

type Result struct {
	Reports  []cycle.Report
	Metrics  map[string]float64
	Duration time.Duration
	// Histogram is the number of cells per state after the last year.
	Histogram map[landscape.StateID]int
}

type Option func(*Simulation)

func WithLogger(l *slog.Logger) Option {
	return func(s *Simulation) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Simulation) { s.metrics = m }
}

// WithEngine replaces the network built from the dnn section.
func WithEngine(e engine.Engine) Option {
	return func(s *Simulation) { s.engine = e }
}

// WithLandscape replaces the generated landscape. Its state table must
// match the configured states.
func WithLandscape(l *landscape.Landscape) Option {
	return func(s *Simulation) { s.land = l }
}

type Simulation struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	engine  engine.Engine

	land      *landscape.Landscape
	registry  *module.Registry
	pool      *pool.Pool
	disp      *dispatch.Dispatcher
	orch      *cycle.Orchestrator
	observers []Observer
}

func New(cfg *config.Config, opts ...Option) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Simulation{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	states, err := landscape.NewStateTable(cfg.States)
	if err != nil {
		return nil, err
	}
	if s.land == nil {
		s.land = landscape.Generate(landscape.GenerateOptions{
			Width:        cfg.Landscape.Width,
			Height:       cfg.Landscape.Height,
			NullFraction: cfg.Landscape.NullFraction,
			Environments: cfg.Landscape.Environments,
			Seed:         cfg.Seed,
		}, states)
	}

	dnn := module.NewDNN("dnn", states, cfg.DNN.TopK, cfg.DNN.TimeClasses)
	var others []module.Module
	for _, name := range sortedKeys(cfg.Modules) {
		m, err := module.NewMatrix(name, cfg.Modules[name].Matrix(cfg.Seed))
		if err != nil {
			return nil, err
		}
		others = append(others, m)
	}
	if s.registry, err = module.NewRegistry(dnn, others...); err != nil {
		return nil, err
	}

	if s.engine == nil {
		ids := make([]landscape.StateID, 0, states.Len())
		for _, st := range states.States() {
			ids = append(ids, st.ID)
		}
		s.engine, err = engine.NewMLP(engine.MLPConfig{
			Inputs:      dnn.Schema().Width(),
			Hidden:      cfg.DNN.Hidden,
			States:      ids,
			TopK:        cfg.DNN.TopK,
			TimeClasses: cfg.DNN.TimeClasses,
			Seed:        cfg.DNN.WeightsSeed,
		})
		if err != nil {
			return nil, err
		}
	}

	pcfg := pool.Config{
		BatchSize:         cfg.Scheduler.BatchSize,
		MaxBatches:        cfg.Scheduler.MaxBatches,
		PollInterval:      cfg.Scheduler.PollInterval,
		WarnEvery:         cfg.Scheduler.WarnEvery,
		MaxWaitIterations: cfg.Scheduler.MaxWaitIterations,
		Layout:            dnn.Layout(),
		Kinds:             s.registry.Kinds(),
	}
	if s.pool, err = pool.New(pcfg, pool.WithLogger(s.logger), pool.WithMetrics(s.metrics)); err != nil {
		return nil, err
	}

	s.disp = dispatch.New(s.engine, dispatch.Config{
		Workers:   cfg.DNN.Workers,
		QueueSize: cfg.Scheduler.MaxBatches,
		Seed:      cfg.Seed,
	}, dispatch.WithLogger(s.logger), dispatch.WithMetrics(s.metrics))

	s.orch, err = cycle.New(s.land, s.pool, s.disp, s.registry,
		cycle.WithLogger(s.logger),
		cycle.WithMetrics(s.metrics),
		cycle.WithThreads(cfg.Threads),
		cycle.WithAudit(cfg.Output.Audit))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Simulation) AddObserver(o Observer) { s.observers = append(s.observers, o) }

func (s *Simulation) Landscape() *landscape.Landscape { return s.land }

func (s *Simulation) Modules() []string { return s.registry.Names() }

// Run simulates the configured number of years. A year that fails with a
// non-fatal error is logged and the run continues; a fatal one ends the run
// and is returned together with the years completed so far. Run may only be
// called once.
func (s *Simulation) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	s.disp.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.disp.Stop(stopCtx); err != nil {
			s.logger.Warn("dispatcher did not stop", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("simulation started",
		slog.Int("years", s.cfg.Years),
		slog.Int("cells", s.land.Len()),
		slog.Int("active", s.land.Active()),
		slog.Any("modules", s.registry.Names()))

	result := &Result{Reports: make([]cycle.Report, 0, s.cfg.Years)}
	var runErr error
	for year := 0; year < s.cfg.Years; year++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		rep, err := s.orch.RunYear(ctx, year)
		result.Reports = append(result.Reports, rep)
		for _, o := range s.observers {
			o.OnCycle(rep)
		}
		if err == nil {
			continue
		}
		var ce *cycle.CycleError
		if errors.As(err, &ce) && !ce.Fatal() {
			s.logger.Warn("year finished with errors", slog.Int("year", year), slog.String("error", err.Error()))
			continue
		}
		runErr = err
		break
	}

	result.Duration = time.Since(start)
	result.Histogram = s.land.Histogram()
	result.Metrics = summarize(result.Reports, result.Duration)
	if runErr != nil {
		return result, fmt.Errorf("simulation stopped after %d years: %w", len(result.Reports), runErr)
	}
	s.logger.Info("simulation finished",
		slog.Int("years", len(result.Reports)),
		slog.Duration("duration", result.Duration))
	return result, nil
}

func summarize(reps []cycle.Report, total time.Duration) map[string]float64 {
	m := map[string]float64{"years": float64(len(reps)), "duration_s": total.Seconds()}
	var cycleTime time.Duration
	for _, r := range reps {
		m["evaluated"] += float64(r.Evaluated)
		m["changed"] += float64(r.Changed)
		m["packages"] += float64(r.Built)
		m["errors"] += float64(r.Errors)
		cycleTime += r.Duration
	}
	if len(reps) > 0 {
		m["mean_cycle_ms"] = cycleTime.Seconds() * 1000 / float64(len(reps))
	}
	return m
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
