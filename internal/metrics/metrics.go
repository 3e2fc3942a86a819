// Package metrics exposes the Prometheus instrumentation for echodispatchd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder implements dispatch.Metrics, backed by Prometheus collectors.
type Recorder struct {
	emitDelta       prometheus.Histogram
	enqueued        prometheus.Counter
	dispatched      *prometheus.CounterVec
	passesStarted   prometheus.Counter
	subscriptionUp  prometheus.Gauge
}

// New constructs a Recorder and registers its collectors with reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) keeps
// tests and multiple instances from colliding on collector names.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		emitDelta: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "echodispatch_emit_delta_ms",
			Help:    "Signed delta, in milliseconds, between a message's due time and its emission time.",
			Buckets: []float64{-500, -100, -20, 0, 20, 100, 500, 1000, 5000},
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "echodispatch_enqueued_total",
			Help: "Total number of messages accepted by Enqueue.",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "echodispatch_dispatched_total",
			Help: "Total TryDispatch outcomes, labeled by outcome.",
		}, []string{"outcome"}),
		passesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "echodispatch_inspection_passes_total",
			Help: "Total number of inspection-loop passes started.",
		}),
		subscriptionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "echodispatch_subscription_up",
			Help: "1 if the freshness subscription is currently established, 0 otherwise.",
		}),
	}

	reg.MustRegister(r.emitDelta, r.enqueued, r.dispatched, r.passesStarted, r.subscriptionUp)

	return r
}

// ObserveEmitDelta records one emission's signed delta in milliseconds.
func (r *Recorder) ObserveEmitDelta(deltaMs float64) { r.emitDelta.Observe(deltaMs) }

// IncEnqueued counts one accepted Enqueue call.
func (r *Recorder) IncEnqueued() { r.enqueued.Inc() }

// IncDispatched counts one TryDispatch outcome: "emitted", "claim_failed",
// "content_missing", or "error".
func (r *Recorder) IncDispatched(outcome string) { r.dispatched.WithLabelValues(outcome).Inc() }

// IncPassStarted counts one inspection-loop pass start.
func (r *Recorder) IncPassStarted() { r.passesStarted.Inc() }

// SetSubscriptionUp reports the freshness subscription's current state.
func (r *Recorder) SetSubscriptionUp(up bool) {
	if up {
		r.subscriptionUp.Set(1)
		return
	}
	r.subscriptionUp.Set(0)
}
