// Package cycle runs one simulated year: a parallel scan packs every cell
// that is due into batches, full batches are dispatched, and completed
// batches are written back and recycled until every package built in the
// year has been processed.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SVDmodel/SVD-sub000/internal/batch"
	"github.com/SVDmodel/SVD-sub000/internal/dispatch"
	"github.com/SVDmodel/SVD-sub000/internal/landscape"
	"github.com/SVDmodel/SVD-sub000/internal/metrics"
	"github.com/SVDmodel/SVD-sub000/internal/module"
	"github.com/SVDmodel/SVD-sub000/internal/pool"
)

// minChunk is the smallest number of cells a scan worker is given.
const minChunk = 64

// Report summarizes one year.
type Report struct {
	Year      int
	Evaluated int
	Changed   int
	Built     int
	Processed int
	// Errors counts batches that completed with the error flag set.
	Errors   int
	Duration time.Duration
	// Audit holds one record per evaluated cell of a successful batch when
	// auditing is enabled.
	Audit []batch.AuditRecord
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithThreads sets the number of scan workers.
func WithThreads(n int) Option {
	return func(o *Orchestrator) { o.threads = n }
}

// WithAudit enables collection of per-cell audit records.
func WithAudit(on bool) Option {
	return func(o *Orchestrator) { o.audit = on }
}

type Orchestrator struct {
	land     *landscape.Landscape
	pool     *pool.Pool
	disp     *dispatch.Dispatcher
	registry *module.Registry

	logger  *slog.Logger
	metrics *metrics.Metrics
	threads int
	audit   bool

	// monotonically increasing over the lifetime of the orchestrator
	packageID atomic.Int64
}

func New(land *landscape.Landscape, p *pool.Pool, d *dispatch.Dispatcher, r *module.Registry, opts ...Option) (*Orchestrator, error) {
	if err := r.Validate(land.States); err != nil {
		return nil, fmt.Errorf("cycle: %w", err)
	}
	o := &Orchestrator{
		land:     land,
		pool:     p,
		disp:     d,
		registry: r,
		threads:  runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.threads < 1 {
		o.threads = 1
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With(slog.String("component", "cycle"))
	return o, nil
}

// year holds the per-cycle counters shared between scan workers. ctx is the
// caller's context; dispatched batches run under it rather than under the
// scan's errgroup context, which ends with the scan.
type year struct {
	ctx       context.Context
	year      int
	evaluated atomic.Int64
	built     atomic.Int64

	mu       sync.Mutex
	firstErr error
}

func (y *year) fail(err error) {
	y.mu.Lock()
	if y.firstErr == nil {
		y.firstErr = err
	}
	y.mu.Unlock()
}

// RunYear evaluates every cell due in the given year and advances the
// landscape. It returns only after every dispatched package came back. A
// non-nil error is a *CycleError; the returned Report is valid either way.
func (o *Orchestrator) RunYear(ctx context.Context, yr int) (Report, error) {
	start := time.Now()
	o.pool.NewCycle()
	cy := &year{ctx: ctx, year: yr}

	scanDone := make(chan error, 1)
	go func() { scanDone <- o.scan(cy) }()

	rep := Report{Year: yr}
	var scanErr error
	allBuilt := false
	processed := 0
	for !allBuilt || int64(processed) != cy.built.Load() {
		select {
		case scanErr = <-scanDone:
			allBuilt = true
		case c := <-o.disp.Completions():
			o.complete(ctx, c, &rep)
			processed++
		}
	}

	if !o.pool.Requested() {
		o.logger.Debug("no cells due", slog.Int("year", yr))
	}

	rep.Changed = o.land.Advance(yr)
	rep.Evaluated = int(cy.evaluated.Load())
	rep.Built = int(cy.built.Load())
	rep.Processed = processed
	rep.Duration = time.Since(start)
	o.metrics.Cycle(rep.Duration, rep.Evaluated, rep.Changed)
	o.logger.Info("cycle finished",
		slog.Int("year", yr),
		slog.Int("evaluated", rep.Evaluated),
		slog.Int("changed", rep.Changed),
		slog.Int("packages_built", rep.Built),
		slog.Int("packages_processed", rep.Processed),
		slog.Int("errors", rep.Errors),
		slog.Duration("duration", rep.Duration))

	err := scanErr
	if err == nil && cy.firstErr != nil {
		err = fmt.Errorf("%w: %w", ErrFeature, cy.firstErr)
	}
	if err != nil {
		return rep, &CycleError{Year: yr, Built: rep.Built, Processed: rep.Processed, Err: err}
	}
	return rep, nil
}

// scan fans the cell range out over the scan workers, then flushes partially
// filled batches. A worker error cancels the remaining workers.
func (o *Orchestrator) scan(cy *year) error {
	g, gctx := errgroup.WithContext(cy.ctx)

	n := o.land.Len()
	workers := o.threads
	if n/minChunk < workers {
		workers = n / minChunk
	}
	if workers < 1 {
		workers = 1
	}
	chunk := (n + workers - 1) / workers

	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, min((w+1)*chunk, n)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := o.evaluate(gctx, cy, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()

	// All producers returned, so every acquired slot is complete.
	for _, b := range o.pool.ClaimPartial() {
		o.dispatch(cy, b)
	}
	return err
}

func (o *Orchestrator) evaluate(ctx context.Context, cy *year, i int) error {
	c := &o.land.Cells[i]
	if !c.NeedsUpdate(cy.year) {
		return nil
	}
	cy.evaluated.Add(1)

	m, err := o.registry.ForCell(o.land, i)
	if err != nil {
		return err
	}
	b, slot, err := o.pool.AcquireSlot(ctx, m.Name())
	if err != nil {
		return err
	}

	s := b.Slot(slot)
	s.Cell = i
	s.State = c.State
	s.Residence = c.Residence

	if err := m.Prepare(o.land, i, b, slot); err != nil {
		b.SetError()
		cy.fail(err)
		o.logger.Warn("feature population failed",
			slog.Int("cell", i),
			slog.Int("batch", b.ID()),
			slog.String("error", err.Error()))
	}

	if b.MarkSlotComplete() && b.TryDispatch() {
		o.dispatch(cy, b)
	}
	return nil
}

// dispatch hands a batch on. Only the TryDispatch winner calls it.
func (o *Orchestrator) dispatch(cy *year, b *batch.Batch) {
	ctx := cy.ctx
	pkg := o.packageID.Add(1)
	b.SetDispatch(pkg, cy.year)
	cy.built.Add(1)
	o.metrics.Dispatched(b.Kind().String())
	o.logger.Info("dispatch",
		slog.Int64("package", pkg),
		slog.Int("batch", b.ID()),
		slog.String("owner", b.Owner()),
		slog.String("kind", b.Kind().String()),
		slog.Int("slots", b.UsedSlots()))

	if err := ctx.Err(); err != nil {
		b.SetError()
		b.ChangeState(batch.Finished)
		o.disp.Notify(b, err)
		return
	}

	if b.Kind() == batch.KindSimple {
		var err error
		if !b.HasError() {
			err = o.process(ctx, b)
		}
		if err != nil {
			b.SetError()
			err = fmt.Errorf("package %d: %w", pkg, err)
		}
		b.ChangeState(batch.Finished)
		o.disp.Notify(b, err)
		return
	}

	if err := o.disp.Submit(ctx, b); err != nil {
		b.SetError()
		b.ChangeState(batch.Finished)
		o.disp.Notify(b, err)
	}
}

func (o *Orchestrator) process(ctx context.Context, b *batch.Batch) error {
	m, err := o.registry.Get(b.Owner())
	if err != nil {
		return err
	}
	return m.Process(ctx, b)
}

// complete runs on the RunYear goroutine only.
func (o *Orchestrator) complete(ctx context.Context, c dispatch.Completion, rep *Report) {
	b := c.Batch
	defer o.pool.Release(b)

	if c.Err != nil || b.HasError() {
		rep.Errors++
		if c.Err != nil && !errors.Is(c.Err, context.Canceled) {
			o.logger.Warn("package failed",
				slog.Int64("package", b.PackageID()),
				slog.Int("batch", b.ID()),
				slog.String("error", c.Err.Error()))
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	for _, s := range b.Slots() {
		if s.Cell < 0 {
			continue
		}
		o.land.Cells[s.Cell].WriteResult(s.NextState, s.NextTime)
	}
	if o.audit {
		rep.Audit = append(rep.Audit, b.AuditRecords()...)
	}
}
