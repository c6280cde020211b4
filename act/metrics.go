package act

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics collects Prometheus-compatible instrumentation for the
// scheduler, following the teacher's PrometheusMetrics (graph/metrics.go)
// generalized from node execution to task advancement.
type metrics struct {
	activeProcs    prometheus.Gauge
	queueDepth     prometheus.Gauge
	taskLatency    *prometheus.HistogramVec
	tasksTotal     *prometheus.CounterVec
	storeErrors    *prometheus.CounterVec
	scriptFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &metrics{
		activeProcs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "act",
			Name:      "active_processes",
			Help:      "Current number of non-terminal processes held in the cache",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "act",
			Name:      "queue_depth",
			Help:      "Number of signals pending in the scheduler queue",
		}),
		taskLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "act",
			Name:      "task_latency_ms",
			Help:      "Task duration in milliseconds, from Running to a terminal state",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"kind", "state"}),
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "act",
			Name:      "tasks_total",
			Help:      "Tasks reaching a terminal state, labeled by outcome",
		}, []string{"state"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "act",
			Name:      "store_errors_total",
			Help:      "Store calls that returned an error, labeled by operation",
		}, []string{"op"}),
		scriptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "act",
			Name:      "script_failures_total",
			Help:      "Script evaluations that raised an error",
		}),
	}
}

func (m *metrics) observeTaskDone(kind, state string, latencyMs float64) {
	if m == nil {
		return
	}
	m.taskLatency.WithLabelValues(kind, state).Observe(latencyMs)
	m.tasksTotal.WithLabelValues(state).Inc()
}

func (m *metrics) observeStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *metrics) observeScriptFailure() {
	if m == nil {
		return
	}
	m.scriptFailures.Inc()
}

func (m *metrics) setActiveProcs(n int) {
	if m == nil {
		return
	}
	m.activeProcs.Set(float64(n))
}

func (m *metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
