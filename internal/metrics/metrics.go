// Package metrics exposes Prometheus collectors for the batch pipeline.
// All methods are safe on a nil *Metrics, which disables recording.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "svd"

type Metrics struct {
	batchesCreated    prometheus.Counter
	admissionWait     prometheus.Histogram
	admissionFailures *prometheus.CounterVec
	dispatched        *prometheus.CounterVec
	inferenceErrors   prometheus.Counter
	inferenceDuration prometheus.Histogram
	cycleDuration     prometheus.Histogram
	cellsEvaluated    prometheus.Counter
	cellsChanged      prometheus.Counter
	liveBatches       prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "batches_created_total",
			Help: "Batches allocated by the pool.",
		}),
		admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pool", Name: "admission_wait_seconds",
			Help:    "Time producers spent waiting for a free slot.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		admissionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "admission_failures_total",
			Help: "Slot requests that gave up, by reason.",
		}, []string{"reason"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cycle", Name: "batches_dispatched_total",
			Help: "Batches handed to execution, by batch kind.",
		}, []string{"kind"}),
		inferenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "inference_errors_total",
			Help: "Batches whose engine call failed or was canceled.",
		}),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "inference_seconds",
			Help:    "Engine call duration per batch.",
			Buckets: prometheus.DefBuckets,
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cycle", Name: "duration_seconds",
			Help:    "Wall time of one simulated year.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		cellsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cycle", Name: "cells_evaluated_total",
			Help: "Cells that received a result.",
		}),
		cellsChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cycle", Name: "cells_changed_total",
			Help: "Cells that changed state when a year was finalized.",
		}),
		liveBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "live_batches",
			Help: "Batches currently owned by the pool.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.batchesCreated, m.admissionWait, m.admissionFailures, m.dispatched,
			m.inferenceErrors, m.inferenceDuration, m.cycleDuration,
			m.cellsEvaluated, m.cellsChanged, m.liveBatches,
		)
	}
	return m
}

func (m *Metrics) BatchCreated(live int) {
	if m == nil {
		return
	}
	m.batchesCreated.Inc()
	m.liveBatches.Set(float64(live))
}

func (m *Metrics) AdmissionWait(d time.Duration) {
	if m == nil {
		return
	}
	m.admissionWait.Observe(d.Seconds())
}

func (m *Metrics) AdmissionFailed(reason string) {
	if m == nil {
		return
	}
	m.admissionFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Dispatched(kind string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(kind).Inc()
}

func (m *Metrics) Inference(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.inferenceDuration.Observe(d.Seconds())
	if err != nil {
		m.inferenceErrors.Inc()
	}
}

func (m *Metrics) InferenceSkipped() {
	if m == nil {
		return
	}
	m.inferenceErrors.Inc()
}

func (m *Metrics) Cycle(d time.Duration, evaluated, changed int) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
	m.cellsEvaluated.Add(float64(evaluated))
	m.cellsChanged.Add(float64(changed))
}
