package cycle_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/SVDmodel/SVD-sub000/internal/batch"
	"github.com/SVDmodel/SVD-sub000/internal/cycle"
	"github.com/SVDmodel/SVD-sub000/internal/dispatch"
	"github.com/SVDmodel/SVD-sub000/internal/engine"
	"github.com/SVDmodel/SVD-sub000/internal/landscape"
	"github.com/SVDmodel/SVD-sub000/internal/metrics"
	"github.com/SVDmodel/SVD-sub000/internal/module"
	"github.com/SVDmodel/SVD-sub000/internal/pool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// toBeech proposes state 2 with a one year residence for every row.
var toBeech = engine.Func(func(ctx context.Context, d *batch.InferenceData, rows int) error {
	for r := 0; r < rows; r++ {
		states, probs := d.Candidates(r)
		states[0], states[1] = 2, 1
		probs[0], probs[1] = 1, 0
		times := d.Times(r)
		times[0], times[1] = 1, 0
	}
	return nil
})

type harness struct {
	land *landscape.Landscape
	pool *pool.Pool
	disp *dispatch.Dispatcher
	orch *cycle.Orchestrator
}

type setup struct {
	cells      []landscape.StateID
	batchSize  int
	maxBatches int
	maxWait    int
	engine     engine.Engine
	logger     *slog.Logger
}

func newHarness(s setup) *harness {
	states, err := landscape.NewStateTable([]landscape.State{
		{ID: 1, Name: "pine"},
		{ID: 2, Name: "beech"},
		{ID: 3, Name: "meadow", Module: "grass"},
	})
	Expect(err).NotTo(HaveOccurred())

	land := landscape.New(len(s.cells), 1, states)
	for i, st := range s.cells {
		land.Cells[i].State = st
	}

	dnn := module.NewDNN("", states, 2, 2)
	grass, err := module.NewMatrix("grass", module.MatrixConfig{
		Residence:   2,
		Transitions: map[landscape.StateID][]module.Transition{3: {{To: 1, P: 1}}},
	})
	Expect(err).NotTo(HaveOccurred())
	reg, err := module.NewRegistry(dnn, grass)
	Expect(err).NotTo(HaveOccurred())

	cfg := pool.DefaultConfig()
	cfg.BatchSize = s.batchSize
	cfg.MaxBatches = s.maxBatches
	cfg.PollInterval = time.Millisecond
	if s.maxWait > 0 {
		cfg.MaxWaitIterations = s.maxWait
	}
	cfg.Layout = dnn.Layout()
	cfg.Kinds = reg.Kinds()
	p, err := pool.New(cfg, pool.WithLogger(quiet))
	Expect(err).NotTo(HaveOccurred())

	e := s.engine
	if e == nil {
		e = toBeech
	}
	d := dispatch.New(e, dispatch.Config{Workers: 2, QueueSize: s.maxBatches, Seed: 1}, dispatch.WithLogger(quiet))
	d.Start()
	DeferCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		Expect(d.Stop(ctx)).To(Succeed())
	})

	logger := s.logger
	if logger == nil {
		logger = quiet
	}
	o, err := cycle.New(land, p, d, reg,
		cycle.WithLogger(logger),
		cycle.WithMetrics(metrics.New(nil)),
		cycle.WithThreads(2),
		cycle.WithAudit(true))
	Expect(err).NotTo(HaveOccurred())
	return &harness{land: land, pool: p, disp: d, orch: o}
}

func pines(n int) []landscape.StateID {
	out := make([]landscape.StateID, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// runYear fails the test instead of hanging when the cycle never finalizes.
func runYear(ctx context.Context, h *harness, year int) (cycle.Report, error) {
	type result struct {
		rep cycle.Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := h.orch.RunYear(ctx, year)
		done <- result{rep, err}
	}()
	var r result
	Eventually(done, 5*time.Second).Should(Receive(&r))
	return r.rep, r.err
}

var _ = Describe("Orchestrator", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("builds and processes every package of a year", func() {
		h := newHarness(setup{cells: pines(5), batchSize: 2, maxBatches: 2})

		rep, err := runYear(ctx, h, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Evaluated).To(Equal(5))
		Expect(rep.Built).To(Equal(3))
		Expect(rep.Processed).To(Equal(3))
		Expect(rep.Errors).To(BeZero())
		Expect(h.pool.Len()).To(BeNumerically("<=", 2))
		Expect(rep.Audit).To(HaveLen(5))

		Expect(rep.Changed).To(Equal(5))
		for i := range h.land.Cells {
			c := h.land.Cells[i]
			Expect(c.State).To(Equal(landscape.StateID(2)))
			Expect(c.Residence).To(BeZero())
			Expect(c.Updated).To(BeFalse())
		}
		for _, b := range h.pool.Batches() {
			Expect(b.State()).To(Equal(batch.Filling))
			Expect(b.UsedSlots()).To(BeZero())
		}
	})

	It("logs every dispatch at info level", func() {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
		h := newHarness(setup{cells: pines(3), batchSize: 2, maxBatches: 2, logger: logger})

		rep, err := runYear(ctx, h, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Built).To(Equal(2))
		Expect(bytes.Count(buf.Bytes(), []byte("msg=dispatch "))).To(Equal(2))
		Expect(buf.String()).To(ContainSubstring("owner=dnn"))
	})

	It("keeps package ids increasing across years", func() {
		h := newHarness(setup{cells: pines(4), batchSize: 2, maxBatches: 2})
		rep, err := runYear(ctx, h, 0)
		Expect(err).NotTo(HaveOccurred())
		first := map[int64]bool{}
		for _, a := range rep.Audit {
			first[a.PackageID] = true
		}
		Expect(first).To(HaveLen(2))

		rep, err = runYear(ctx, h, 1)
		Expect(err).NotTo(HaveOccurred())
		for _, a := range rep.Audit {
			Expect(first).NotTo(HaveKey(a.PackageID))
			Expect(a.Year).To(Equal(1))
		}
	})

	It("finishes an empty year without dispatching", func() {
		h := newHarness(setup{cells: []landscape.StateID{0, 0, 0}, batchSize: 2, maxBatches: 2})
		rep, err := runYear(ctx, h, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Built).To(BeZero())
		Expect(rep.Processed).To(BeZero())
		Expect(h.pool.Requested()).To(BeFalse())
		Expect(h.pool.Len()).To(BeZero())
	})

	It("isolates a failing inference package", func() {
		boom := errors.New("boom")
		e := engine.Func(func(ctx context.Context, d *batch.InferenceData, rows int) error {
			for r := 0; r < rows; r++ {
				if d.Input(module.FeatureResidence).Row(r)[0] == 0.77 {
					return boom
				}
			}
			return toBeech(ctx, d, rows)
		})
		h := newHarness(setup{cells: pines(5), batchSize: 1, maxBatches: 2, engine: e})
		h.land.Cells[4].Residence = 77

		rep, err := runYear(ctx, h, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Built).To(Equal(5))
		Expect(rep.Processed).To(Equal(5))
		Expect(rep.Errors).To(Equal(1))
		Expect(rep.Changed).To(Equal(4))
		Expect(h.land.Cells[4].State).To(Equal(landscape.StateID(1)))
		Expect(h.land.Cells[4].Residence).To(Equal(78))
		Expect(rep.Audit).To(HaveLen(4))
	})

	It("reports feature failures without stopping the year", func() {
		h := newHarness(setup{cells: []landscape.StateID{1, 1, 9, 1}, batchSize: 1, maxBatches: 2})

		rep, err := runYear(ctx, h, 0)
		var ce *cycle.CycleError
		Expect(errors.As(err, &ce)).To(BeTrue())
		Expect(ce.Fatal()).To(BeFalse())
		Expect(err).To(MatchError(cycle.ErrFeature))
		Expect(err).To(MatchError(module.ErrUnknownState))
		Expect(ce.Built).To(Equal(ce.Processed))
		Expect(rep.Errors).To(Equal(1))
		Expect(rep.Changed).To(Equal(3))
		Expect(h.land.Cells[2].State).To(Equal(landscape.StateID(9)))
	})

	It("processes simple batches inline through the same completion path", func() {
		h := newHarness(setup{cells: []landscape.StateID{3, 3, 3, 3, 3}, batchSize: 2, maxBatches: 2})

		rep, err := runYear(ctx, h, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Built).To(Equal(3))
		Expect(rep.Processed).To(Equal(3))
		Expect(rep.Changed).To(BeZero())
		for i := range h.land.Cells {
			Expect(h.land.Cells[i].NextState).To(Equal(landscape.StateID(1)))
			Expect(h.land.Cells[i].NextUpdate).To(Equal(2))
		}
		for _, b := range h.pool.Batches() {
			Expect(b.Kind()).To(Equal(batch.KindSimple))
		}

		rep, err = runYear(ctx, h, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Evaluated).To(BeZero())
		Expect(rep.Built).To(BeZero())
		Expect(rep.Changed).To(Equal(5))
		Expect(h.land.Cells[0].State).To(Equal(landscape.StateID(1)))
	})

	It("mixes owners in one year", func() {
		h := newHarness(setup{cells: []landscape.StateID{1, 3, 1, 3, 1, 3}, batchSize: 2, maxBatches: 4})
		rep, err := runYear(ctx, h, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Built).To(Equal(rep.Processed))
		Expect(rep.Evaluated).To(Equal(6))
		Expect(rep.Changed).To(Equal(3))
	})

	It("serves an owner that first appears after the pool is full", func() {
		h := newHarness(setup{cells: pines(4), batchSize: 1, maxBatches: 2, maxWait: 50})

		rep, err := runYear(ctx, h, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Built).To(Equal(4))
		Expect(h.pool.Len()).To(Equal(2))
		for _, b := range h.pool.Batches() {
			Expect(b.Owner()).To(Equal("dnn"))
		}

		h.land.Cells[0].State = 3
		rep, err = runYear(ctx, h, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.Evaluated).To(Equal(4))
		Expect(rep.Built).To(Equal(4))
		Expect(rep.Processed).To(Equal(4))
		Expect(rep.Errors).To(BeZero())
		Expect(h.pool.Len()).To(Equal(2))
		Expect(h.land.Cells[0].NextState).To(Equal(landscape.StateID(1)))
		Expect(h.land.Cells[0].NextUpdate).To(Equal(3))
	})

	It("does not deadlock when canceled before the year starts", func() {
		h := newHarness(setup{cells: pines(5), batchSize: 2, maxBatches: 2})
		canceled, cancel := context.WithCancel(ctx)
		cancel()

		rep, err := runYear(canceled, h, 0)
		var ce *cycle.CycleError
		Expect(errors.As(err, &ce)).To(BeTrue())
		Expect(ce.Fatal()).To(BeTrue())
		Expect(err).To(MatchError(pool.ErrCanceled))
		Expect(rep.Built).To(Equal(rep.Processed))
		Expect(h.land.Cells[0].State).To(Equal(landscape.StateID(1)))
	})

	It("drains in-flight packages when canceled mid-year", func() {
		run, cancel := context.WithCancel(ctx)
		defer cancel()
		e := engine.Func(func(c context.Context, d *batch.InferenceData, rows int) error {
			cancel()
			return c.Err()
		})
		h := newHarness(setup{cells: pines(8), batchSize: 1, maxBatches: 2, engine: e})

		rep, _ := runYear(run, h, 0)
		Expect(rep.Built).To(Equal(rep.Processed))
		Expect(rep.Errors).To(Equal(rep.Built))
		Expect(rep.Changed).To(BeZero())
	})

	It("times out when owners compete for a saturated pool", func() {
		h := newHarness(setup{cells: []landscape.StateID{1, 3}, batchSize: 2, maxBatches: 1, maxWait: 5})

		rep, err := runYear(ctx, h, 0)
		var ce *cycle.CycleError
		Expect(errors.As(err, &ce)).To(BeTrue())
		Expect(ce.Fatal()).To(BeTrue())
		Expect(err).To(MatchError(pool.ErrAdmissionTimeout))
		Expect(rep.Built).To(Equal(1))
		Expect(rep.Processed).To(Equal(1))
	})
})
