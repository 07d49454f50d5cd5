// Package metrics holds the Prometheus collectors of the orchestrator. All
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autocycle"

type Metrics struct {
	Registry *prometheus.Registry

	taskRuns         *prometheus.CounterVec
	taskSkipped      *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	strategyAttempts *prometheus.CounterVec
	persistFailures  *prometheus.CounterVec
	persistDegraded  prometheus.Gauge
	cyclesCompleted  prometheus.Gauge
	valueGenerated   prometheus.Gauge
	actionsExecuted  prometheus.Gauge
	knowledgeEntries prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		taskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_runs_total",
			Help: "Scheduled task runs by task and result.",
		}, []string{"task", "result"}),
		taskSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_skipped_ticks_total",
			Help: "Ticks dropped because the task was still running.",
		}, []string{"task"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Duration of scheduled task runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"task"}),
		strategyAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "strategy_attempts_total",
			Help: "Strategy attempts by strategy and status.",
		}, []string{"strategy", "status"}),
		persistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "persist_failures_total",
			Help: "Failed artifact writes by artifact.",
		}, []string{"artifact"}),
		persistDegraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "persist_degraded",
			Help: "1 while state writes keep failing past the alert threshold.",
		}),
		cyclesCompleted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cycles_completed",
			Help: "Learning cycles completed.",
		}),
		valueGenerated: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "value_generated",
			Help: "Total value reported by successful strategies.",
		}),
		actionsExecuted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "actions_executed",
			Help: "Successful strategy actions.",
		}),
		knowledgeEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "knowledge_entries",
			Help: "Entries in the knowledge registry.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskRun(task string, d time.Duration, err error, panicked bool) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case panicked:
		result = "panic"
	case err != nil:
		result = "error"
	}
	m.taskRuns.WithLabelValues(task, result).Inc()
	m.taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) TaskSkipped(task string) {
	if m == nil {
		return
	}
	m.taskSkipped.WithLabelValues(task).Inc()
}

func (m *Metrics) StrategyAttempt(strategy, status string) {
	if m == nil {
		return
	}
	m.strategyAttempts.WithLabelValues(strategy, status).Inc()
}

func (m *Metrics) PersistFailed(artifact string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(artifact).Inc()
}

func (m *Metrics) SetPersistDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.persistDegraded.Set(1)
		return
	}
	m.persistDegraded.Set(0)
}

func (m *Metrics) SetCounters(cycles int64, value float64, actions int64) {
	if m == nil {
		return
	}
	m.cyclesCompleted.Set(float64(cycles))
	m.valueGenerated.Set(value)
	m.actionsExecuted.Set(float64(actions))
}

func (m *Metrics) SetKnowledgeEntries(n int) {
	if m == nil {
		return
	}
	m.knowledgeEntries.Set(float64(n))
}
