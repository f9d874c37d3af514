package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine.
type Metrics struct {
	IntentsIngested    *prometheus.CounterVec
	BufferFlushes      *prometheus.CounterVec
	TaskEvents         *prometheus.CounterVec
	ReadySetSize       prometheus.Gauge
	InFlightDispatches prometheus.Gauge
	DispatchLatency    prometheus.Histogram
	CyclesResolved     prometheus.Counter
	Overrides          *prometheus.CounterVec
	ClassifierTimeouts prometheus.Counter
	DriftScore         prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return newMetrics(namespace, prometheus.DefaultRegisterer)
}

// NewTestMetrics builds the same instrument set against a private registry
// so parallel tests do not fight over the default one.
func NewTestMetrics() *Metrics {
	return newMetrics("test", prometheus.NewRegistry())
}

func newMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IntentsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_ingested_total",
			Help:      "Raw intents accepted into buffer windows, by outcome.",
		}, []string{"outcome"}),
		BufferFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flushes_total",
			Help:      "Buffer window flushes by trigger reason.",
		}, []string{"reason"}),
		TaskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		ReadySetSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_set_size",
			Help:      "Tasks currently eligible for dispatch.",
		}),
		InFlightDispatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_dispatches",
			Help:      "Tasks dispatched to agents and not yet settled.",
		}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_ms",
			Help:      "Latency from task ready to dispatch in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 15000},
		}),
		CyclesResolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_resolved_total",
			Help:      "Candidate dependency cycles broken by dropping an edge.",
		}),
		Overrides: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "priority_overrides_total",
			Help:      "Priority override requests by outcome.",
		}, []string{"outcome"}),
		ClassifierTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_timeouts_total",
			Help:      "Classifications that fell back to degraded defaults.",
		}),
		DriftScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "classifier_drift_score",
			Help:      "Latest PSI divergence between recent scores and the baseline.",
		}),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveDispatchLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
