package pool_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/SVDmodel/SVD-sub000/internal/batch"
	"github.com/SVDmodel/SVD-sub000/internal/metrics"
	"github.com/SVDmodel/SVD-sub000/internal/pool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newPool(size, max int, mutate ...func(*pool.Config)) *pool.Pool {
	cfg := pool.DefaultConfig()
	cfg.BatchSize = size
	cfg.MaxBatches = max
	cfg.PollInterval = time.Millisecond
	cfg.Layout = batch.Layout{Schema: batch.FeatureSchema{{Name: "x", Width: 1}}, TopK: 2, TimeClasses: 2}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := pool.New(cfg, pool.WithLogger(quiet), pool.WithMetrics(metrics.New(nil)))
	Expect(err).NotTo(HaveOccurred())
	return p
}

type acquired struct {
	b    *batch.Batch
	slot int
	err  error
}

var _ = Describe("Pool", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("configuration", func() {
		It("rejects invalid settings", func() {
			cfg := pool.DefaultConfig()
			cfg.BatchSize = 0
			_, err := pool.New(cfg)
			Expect(err).To(HaveOccurred())

			cfg = pool.DefaultConfig()
			cfg.MaxBatches = 0
			_, err = pool.New(cfg)
			Expect(err).To(HaveOccurred())

			cfg = pool.DefaultConfig()
			cfg.PollInterval = 0
			_, err = pool.New(cfg)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("admission", func() {
		It("fills an existing batch before creating a new one", func() {
			p := newPool(3, 4)
			for i := 0; i < 3; i++ {
				b, slot, err := p.AcquireSlot(ctx, "")
				Expect(err).NotTo(HaveOccurred())
				Expect(b.ID()).To(Equal(0))
				Expect(slot).To(Equal(i))
			}
			b, slot, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(b.ID()).To(Equal(1))
			Expect(slot).To(Equal(0))
			Expect(p.Len()).To(Equal(2))
		})

		It("keeps owners in disjoint batches with their configured kind", func() {
			p := newPool(4, 4, func(c *pool.Config) {
				c.Kinds = map[string]batch.Kind{"matrix": batch.KindSimple}
			})
			a, _, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			m, _, err := p.AcquireSlot(ctx, "matrix")
			Expect(err).NotTo(HaveOccurred())

			Expect(a).NotTo(BeIdenticalTo(m))
			Expect(a.Kind()).To(Equal(batch.KindInference))
			Expect(a.Inference()).NotTo(BeNil())
			Expect(m.Kind()).To(Equal(batch.KindSimple))
			Expect(m.Owner()).To(Equal("matrix"))
		})

		It("hands an idle batch of another owner over when the pool is full", func() {
			p := newPool(1, 2, func(c *pool.Config) {
				c.Kinds = map[string]batch.Kind{"grass": batch.KindSimple}
				c.MaxWaitIterations = 5
			})
			first, _, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			second, _, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			first.ChangeState(batch.Finished)
			p.Release(first)

			b, slot, err := p.AcquireSlot(ctx, "grass")
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(BeIdenticalTo(first))
			Expect(slot).To(Equal(0))
			Expect(b.Owner()).To(Equal("grass"))
			Expect(b.Kind()).To(Equal(batch.KindSimple))
			Expect(b.Inference()).To(BeNil())
			Expect(p.Len()).To(Equal(2))

			// the partially used batch is never taken over
			_, _, err = p.AcquireSlot(ctx, "fire")
			Expect(errors.Is(err, pool.ErrAdmissionTimeout)).To(BeTrue())
			Expect(second.Owner()).To(Equal(""))

			b.ChangeState(batch.Finished)
			p.Release(b)
			back, _, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(back).To(BeIdenticalTo(first))
			Expect(back.Kind()).To(Equal(batch.KindInference))
			Expect(back.Inference()).NotTo(BeNil())
		})

		It("prefers an idle batch that keeps its buffers", func() {
			p := newPool(1, 3, func(c *pool.Config) {
				c.Kinds = map[string]batch.Kind{"grass": batch.KindSimple, "fire": batch.KindSimple}
			})
			var bs []*batch.Batch
			for _, owner := range []string{"", "grass", ""} {
				b, _, err := p.AcquireSlot(ctx, owner)
				Expect(err).NotTo(HaveOccurred())
				bs = append(bs, b)
			}
			for _, b := range bs {
				b.ChangeState(batch.Finished)
				p.Release(b)
			}
			b, _, err := p.AcquireSlot(ctx, "fire")
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(BeIdenticalTo(bs[1]))
			Expect(b.Owner()).To(Equal("fire"))
		})

		It("never hands out the same slot twice under contention", func() {
			const producers = 200
			p := newPool(16, 32)

			type key struct{ batch, slot int }
			var mu sync.Mutex
			seen := make(map[key]int)
			var wg sync.WaitGroup
			for i := 0; i < producers; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					b, slot, err := p.AcquireSlot(ctx, "")
					Expect(err).NotTo(HaveOccurred())
					mu.Lock()
					seen[key{b.ID(), slot}]++
					mu.Unlock()
				}()
			}
			wg.Wait()

			Expect(seen).To(HaveLen(producers))
			for k, n := range seen {
				Expect(n).To(Equal(1), "slot %v issued %d times", k, n)
			}
			Expect(p.Len()).To(Equal(producers / 16 + 1))
		})

		It("skips a filling batch that was already claimed for dispatch", func() {
			p := newPool(3, 2)
			b, _, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			b.MarkSlotComplete()
			Expect(p.ClaimPartial()).To(ConsistOf(b))
			Expect(b.State()).To(Equal(batch.Filling))
			Expect(b.FreeSlots()).To(Equal(2))

			other, slot, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(other).NotTo(BeIdenticalTo(b))
			Expect(slot).To(Equal(0))
		})

		It("skips batches that are not filling", func() {
			p := newPool(2, 2)
			b, _, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			b.ChangeState(batch.InInference)

			other, slot, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(other).NotTo(BeIdenticalTo(b))
			Expect(slot).To(Equal(0))
		})
	})

	Describe("backpressure", func() {
		It("blocks a third producer until a batch is released", func() {
			p := newPool(2, 1, func(c *pool.Config) { c.MaxWaitIterations = 100000 })
			first, _, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			_, _, err = p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())

			result := make(chan acquired, 1)
			go func() {
				b, slot, err := p.AcquireSlot(ctx, "")
				result <- acquired{b, slot, err}
			}()

			Consistently(result, 50*time.Millisecond).ShouldNot(Receive())

			first.MarkSlotComplete()
			first.MarkSlotComplete()
			Expect(first.TryDispatch()).To(BeTrue())
			first.ChangeState(batch.InInference)
			first.ChangeState(batch.Finished)
			p.Release(first)

			var got acquired
			Eventually(result, time.Second).Should(Receive(&got))
			Expect(got.err).NotTo(HaveOccurred())
			Expect(got.b).To(BeIdenticalTo(first))
			Expect(got.slot).To(Equal(0))
			Expect(p.Len()).To(Equal(1))
		})

		It("observes cancellation while waiting", func() {
			p := newPool(2, 1, func(c *pool.Config) {
				c.PollInterval = 20 * time.Millisecond
				c.MaxWaitIterations = 100000
			})
			for i := 0; i < 2; i++ {
				_, _, err := p.AcquireSlot(ctx, "")
				Expect(err).NotTo(HaveOccurred())
			}

			cctx, cancel := context.WithCancel(ctx)
			result := make(chan acquired, 1)
			go func() {
				b, slot, err := p.AcquireSlot(cctx, "")
				result <- acquired{b, slot, err}
			}()
			Consistently(result, 30*time.Millisecond).ShouldNot(Receive())

			canceledAt := time.Now()
			cancel()

			var got acquired
			Eventually(result, 20*time.Millisecond+50*time.Millisecond).Should(Receive(&got))
			Expect(time.Since(canceledAt)).To(BeNumerically("<", 70*time.Millisecond))
			Expect(errors.Is(got.err, pool.ErrCanceled)).To(BeTrue())
			Expect(got.b).To(BeNil())
		})

		It("fails immediately when already canceled", func() {
			p := newPool(2, 1)
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, _, err := p.AcquireSlot(cctx, "")
			Expect(err).To(MatchError(pool.ErrCanceled))
		})

		It("gives up after the wait budget", func() {
			p := newPool(1, 1, func(c *pool.Config) {
				c.MaxWaitIterations = 5
				c.WarnEvery = 2
			})
			_, _, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())

			start := time.Now()
			_, _, err = p.AcquireSlot(ctx, "")
			Expect(errors.Is(err, pool.ErrAdmissionTimeout)).To(BeTrue())
			Expect(time.Since(start)).To(BeNumerically(">=", 5*time.Millisecond))
		})
	})

	Describe("cycle bookkeeping", func() {
		It("tracks whether anything was requested", func() {
			p := newPool(2, 1)
			Expect(p.Requested()).To(BeFalse())
			_, _, err := p.AcquireSlot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Requested()).To(BeTrue())
			p.NewCycle()
			Expect(p.Requested()).To(BeFalse())
		})

		It("returns a snapshot of live batches", func() {
			p := newPool(1, 3)
			for i := 0; i < 3; i++ {
				_, _, err := p.AcquireSlot(ctx, "")
				Expect(err).NotTo(HaveOccurred())
			}
			snap := p.Batches()
			Expect(snap).To(HaveLen(3))
			ids := []int{snap[0].ID(), snap[1].ID(), snap[2].ID()}
			sort.Ints(ids)
			Expect(ids).To(Equal([]int{0, 1, 2}))
			snap[0] = nil
			Expect(p.Batches()[0]).NotTo(BeNil())
		})

		It("claims only undispatched filling batches with used slots", func() {
			p := newPool(3, 3, func(c *pool.Config) {
				c.Kinds = map[string]batch.Kind{"a": batch.KindInference, "b": batch.KindInference, "c": batch.KindInference}
			})
			partial, s, err := p.AcquireSlot(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			partial.MarkSlotComplete()

			taken, s2, err := p.AcquireSlot(ctx, "b")
			Expect(err).NotTo(HaveOccurred())
			taken.MarkSlotComplete()
			Expect(taken.TryDispatch()).To(BeTrue())

			claimed := p.ClaimPartial()
			Expect(claimed).To(ConsistOf(partial))
			Expect(p.ClaimPartial()).To(BeEmpty())
			Expect(s).To(Equal(0))
			Expect(s2).To(Equal(0))
		})
	})
})
