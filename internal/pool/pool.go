// Package pool implements admission control for batches: producers ask for
// a slot, the pool finds a batch with room or creates one, and blocks when
// the maximum number of live batches is reached.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SVDmodel/SVD-sub000/internal/batch"
	"github.com/SVDmodel/SVD-sub000/internal/metrics"
)

var (
	// ErrAdmissionTimeout indicates the pool stayed saturated for the whole wait budget.
	ErrAdmissionTimeout = errors.New("pool: timed out waiting for a free slot")

	// ErrCanceled indicates the slot request was abandoned because of cancellation.
	ErrCanceled = errors.New("pool: slot request canceled")
)

type Config struct {
	BatchSize  int
	MaxBatches int

	// PollInterval is the re-check period while the pool is saturated.
	// WarnEvery and MaxWaitIterations are counted in poll intervals.
	PollInterval      time.Duration
	WarnEvery         int
	MaxWaitIterations int

	Layout batch.Layout
	// Kinds maps owner module names to their batch type. Owners not listed
	// get inference batches.
	Kinds map[string]batch.Kind
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         256,
		MaxBatches:        8,
		PollInterval:      5 * time.Millisecond,
		WarnEvery:         1000,
		MaxWaitIterations: 12000,
	}
}

func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxBatches < 1 {
		return fmt.Errorf("max batches must be positive, got %d", c.MaxBatches)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.MaxWaitIterations < 1 {
		return fmt.Errorf("max wait iterations must be positive, got %d", c.MaxWaitIterations)
	}
	return nil
}

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// Pool owns the live batches. The batch list is only mutated while holding
// mu, which also serializes every admission decision.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	batches []*batch.Batch
	// room is closed and replaced whenever a batch is released.
	room chan struct{}

	requested atomic.Bool
}

func New(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:  cfg,
		room: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With(slog.String("component", "pool"))
	return p, nil
}

func (p *Pool) Config() Config { return p.cfg }

// AcquireSlot returns a batch of the given owner and a slot index in it that
// belongs to the caller alone. When no batch has room and no new one may be
// created, it waits, re-checking at least every poll interval, until room
// appears, ctx is canceled or the wait budget is exhausted.
func (p *Pool) AcquireSlot(ctx context.Context, owner string) (*batch.Batch, int, error) {
	p.requested.Store(true)

	if err := ctx.Err(); err != nil {
		p.metrics.AdmissionFailed("canceled")
		return nil, -1, fmt.Errorf("%w: %v", ErrCanceled, err)
	}

	b, slot, room := p.tryAcquire(owner)
	if b != nil {
		return b, slot, nil
	}

	start := time.Now()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	iterations := 0
	for {
		timedOut := false
		select {
		case <-ctx.Done():
		case <-room:
		case <-ticker.C:
			iterations++
			if p.cfg.WarnEvery > 0 && iterations%p.cfg.WarnEvery == 0 {
				p.logger.Warn("waiting for a free slot",
					slog.String("owner", owner),
					slog.Duration("waited", time.Since(start)),
					slog.Int("iterations", iterations),
					slog.Int("live_batches", p.Len()))
			}
			timedOut = iterations >= p.cfg.MaxWaitIterations
		}

		if err := ctx.Err(); err != nil {
			p.metrics.AdmissionFailed("canceled")
			return nil, -1, fmt.Errorf("%w: %v", ErrCanceled, err)
		}

		b, slot, room = p.tryAcquire(owner)
		if b != nil {
			p.metrics.AdmissionWait(time.Since(start))
			return b, slot, nil
		}

		if timedOut {
			p.metrics.AdmissionFailed("timeout")
			p.logger.Error("giving up on slot request",
				slog.String("owner", owner),
				slog.Duration("waited", time.Since(start)),
				slog.Int("iterations", iterations))
			return nil, -1, fmt.Errorf("%w after %v (owner %q)", ErrAdmissionTimeout, time.Since(start).Round(time.Millisecond), owner)
		}
	}
}

// tryAcquire makes one admission decision. On failure it returns the room
// channel that will be closed by the next Release.
func (p *Pool) tryAcquire(owner string) (*batch.Batch, int, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.batches {
		if b.Owner() == owner && b.State() == batch.Filling && !b.Dispatched() && b.FreeSlots() > 0 {
			return b, b.AcquireSlot(), nil
		}
	}

	kind := p.kind(owner)
	if len(p.batches) < p.cfg.MaxBatches {
		b := batch.New(len(p.batches), p.cfg.BatchSize, owner, kind, p.cfg.Layout)
		p.batches = append(p.batches, b)
		p.metrics.BatchCreated(len(p.batches))
		p.logger.Info("batch created",
			slog.Int("batch", b.ID()),
			slog.String("owner", owner),
			slog.String("kind", kind.String()),
			slog.Int("size", p.cfg.BatchSize),
			slog.Int("live_batches", len(p.batches)))
		return b, b.AcquireSlot(), nil
	}

	if b := p.idleBatch(kind); b != nil {
		from := b.Owner()
		b.Reassign(owner, kind, p.cfg.Layout)
		p.logger.Info("batch reassigned",
			slog.Int("batch", b.ID()),
			slog.String("from", from),
			slog.String("owner", owner),
			slog.String("kind", kind.String()))
		return b, b.AcquireSlot(), nil
	}

	return nil, -1, p.room
}

// idleBatch returns an empty batch another owner left behind, preferring
// one of the wanted kind so its buffers can be kept. Callers hold mu and
// already know that no batch of their own owner has room.
func (p *Pool) idleBatch(kind batch.Kind) *batch.Batch {
	var found *batch.Batch
	for _, b := range p.batches {
		if !b.Idle() {
			continue
		}
		if b.Kind() == kind {
			return b
		}
		if found == nil {
			found = b
		}
	}
	return found
}

func (p *Pool) kind(owner string) batch.Kind {
	if k, ok := p.cfg.Kinds[owner]; ok {
		return k
	}
	return batch.KindInference
}

// Release recycles a processed batch into the Filling state and wakes
// producers waiting for room.
func (p *Pool) Release(b *batch.Batch) {
	p.mu.Lock()
	b.ChangeState(batch.Filling)
	close(p.room)
	p.room = make(chan struct{})
	p.mu.Unlock()
}

// ClaimPartial wins the dispatch guard of every Filling batch that holds
// acquired slots and returns those batches. It must only be called when no
// producer is acquiring slots, so that every acquired slot is complete.
func (p *Pool) ClaimPartial() []*batch.Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*batch.Batch
	for _, b := range p.batches {
		if b.State() == batch.Filling && b.UsedSlots() > 0 && b.TryDispatch() {
			out = append(out, b)
		}
	}
	return out
}

// Batches returns a snapshot of the live batches.
func (p *Pool) Batches() []*batch.Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*batch.Batch, len(p.batches))
	copy(out, p.batches)
	return out
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

// NewCycle clears the per-cycle request flag.
func (p *Pool) NewCycle() { p.requested.Store(false) }

// Requested reports whether any slot was requested since NewCycle.
func (p *Pool) Requested() bool { return p.requested.Load() }
