// Package dispatch runs inference batches on a bounded set of worker
// goroutines and reports every batch back on a completion channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/SVDmodel/SVD-sub000/internal/batch"
	"github.com/SVDmodel/SVD-sub000/internal/engine"
	"github.com/SVDmodel/SVD-sub000/internal/metrics"
)

var (
	// ErrStopped indicates a submit after Stop.
	ErrStopped = errors.New("dispatch: dispatcher stopped")

	// ErrNotInference indicates a batch without engine buffers was submitted.
	ErrNotInference = errors.New("dispatch: batch has no inference buffers")
)

// Completion reports a batch that left the dispatcher. Err is set when the
// batch was canceled or its engine call failed; the batch error flag is set
// in both cases.
type Completion struct {
	Batch *batch.Batch
	Err   error
}

type Config struct {
	Workers int
	// QueueSize bounds both queues. It must be at least the number of
	// batches that can be outstanding at once, so that neither Submit nor
	// the completion notification ever blocks.
	QueueSize int
	Seed      int64
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

type task struct {
	ctx   context.Context
	batch *batch.Batch
}

type Dispatcher struct {
	engine  engine.Engine
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue       chan task
	completions chan Completion

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func New(e engine.Engine, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		engine:      e,
		cfg:         cfg,
		queue:       make(chan task, cfg.QueueSize),
		completions: make(chan Completion, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With(slog.String("component", "dispatch"))
	return d
}

// Start launches the workers. Each worker draws from its own rng.
func (d *Dispatcher) Start() {
	d.once.Do(func() {
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			rng := rand.New(rand.NewPCG(uint64(d.cfg.Seed), uint64(i)+1))
			go d.loop(rng)
		}
	})
}

// Stop halts the workers and waits for them to return. Batches still queued
// are dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Completions() <-chan Completion { return d.completions }

// Submit queues a fully processed inference batch. ctx is the cycle context;
// workers check it before running the batch.
func (d *Dispatcher) Submit(ctx context.Context, b *batch.Batch) error {
	if b.Inference() == nil {
		return fmt.Errorf("%w: batch %d (%s)", ErrNotInference, b.ID(), b.Kind())
	}
	select {
	case <-d.ctx.Done():
		return ErrStopped
	default:
	}
	select {
	case d.queue <- task{ctx: ctx, batch: b}:
		return nil
	case <-d.ctx.Done():
		return ErrStopped
	}
}

// Notify reports a batch that did not go through the workers, such as a
// simple batch processed inline or one skipped due to cancellation.
func (d *Dispatcher) Notify(b *batch.Batch, err error) {
	d.completions <- Completion{Batch: b, Err: err}
}

func (d *Dispatcher) loop(rng *rand.Rand) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case t := <-d.queue:
			d.process(rng, t)
		}
	}
}

func (d *Dispatcher) process(rng *rand.Rand, t task) {
	b := t.batch

	if err := t.ctx.Err(); err != nil {
		b.SetError()
		b.ChangeState(batch.Finished)
		d.metrics.InferenceSkipped()
		d.Notify(b, err)
		return
	}
	// a slot failed feature population; the results would be discarded
	if b.HasError() {
		b.ChangeState(batch.Finished)
		d.metrics.InferenceSkipped()
		d.Notify(b, nil)
		return
	}

	b.ChangeState(batch.InInference)
	start := time.Now()
	err := d.engine.Run(t.ctx, b.Inference(), b.UsedSlots())
	d.metrics.Inference(time.Since(start), err)
	if err == nil {
		err = b.Select(rng, d.logger)
	}
	if err != nil {
		b.SetError()
		b.ChangeState(batch.Finished)
		d.logger.Warn("inference failed",
			slog.Int64("package", b.PackageID()),
			slog.Int("batch", b.ID()),
			slog.Int("slots", b.UsedSlots()),
			slog.String("error", err.Error()))
		d.Notify(b, fmt.Errorf("package %d: %w", b.PackageID(), err))
		return
	}

	b.ChangeState(batch.FinishedInInference)
	d.logger.Debug("inference done",
		slog.Int64("package", b.PackageID()),
		slog.Int("slots", b.UsedSlots()),
		slog.Duration("duration", time.Since(start)))
	d.Notify(b, nil)
}
