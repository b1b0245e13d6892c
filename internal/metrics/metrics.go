// Package metrics exposes Prometheus instrumentation for the orchestrator
// and gateway binaries.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "neutrino"

// Metrics holds every counter/gauge/histogram either binary registers.
type Metrics struct {
	TasksTotal    *prometheus.CounterVec
	WorkersTotal  *prometheus.GaugeVec
	ActiveTasks   *prometheus.GaugeVec
	TaskDuration  *prometheus.HistogramVec
	RecycleTotal  *prometheus.CounterVec
	CircuitState  *prometheus.GaugeVec
	BackendHealth *prometheus.GaugeVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide singleton, registering it with the
// default registerer on first use.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New()
		defaultMetrics.Register(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func New() *Metrics {
	return &Metrics{
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "tasks_total", Help: "Total tasks dispatched to workers"},
			[]string{"status", "function_name", "worker_id"},
		),
		WorkersTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "workers_total", Help: "Current worker count by lifecycle state and pool"},
			[]string{"state", "pool"},
		),
		ActiveTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "active_tasks", Help: "Tasks currently in flight per worker"},
			[]string{"worker_id"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace, Name: "task_duration_seconds", Help: "Worker round-trip duration",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"function_name", "status"},
		),
		RecycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "worker_recycle_total", Help: "Worker recycle events by trigger"},
			[]string{"trigger"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "worker_circuit_state", Help: "Worker circuit breaker state (0=closed,1=half-open,2=open)"},
			[]string{"worker_id"},
		),
		BackendHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "gateway_backend_healthy", Help: "Gateway backend health (1=healthy,0=unhealthy)"},
			[]string{"url"},
		),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.TasksTotal, m.WorkersTotal, m.ActiveTasks, m.TaskDuration, m.RecycleTotal, m.CircuitState, m.BackendHealth)
}

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) RecordTask(functionName, status, workerID string, durationSec float64) {
	m.TasksTotal.WithLabelValues(status, functionName, workerID).Inc()
	m.TaskDuration.WithLabelValues(functionName, status).Observe(durationSec)
}

func (m *Metrics) SetWorkerCount(state, pool string, count float64) {
	m.WorkersTotal.WithLabelValues(state, pool).Set(count)
}

func (m *Metrics) RecordRecycle(trigger string) {
	m.RecycleTotal.WithLabelValues(trigger).Inc()
}

func (m *Metrics) SetCircuitState(workerID string, state float64) {
	m.CircuitState.WithLabelValues(workerID).Set(state)
}

func (m *Metrics) RemoveWorkerMetrics(workerID string) {
	m.ActiveTasks.DeleteLabelValues(workerID)
	m.CircuitState.DeleteLabelValues(workerID)
}

func (m *Metrics) SetBackendHealth(url string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.BackendHealth.WithLabelValues(url).Set(v)
}
