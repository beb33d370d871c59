package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects executor metrics.
//
// Metrics exposed (namespace "blockflow"):
//   - block_latency_ms{block_type,status}: handler execution time
//   - block_executions_total{block_type,status}: handler invocations
//   - construct_iterations_total{kind}: settled construct iterations
//   - runs_total{status}: finished runs
//   - active_runs: runs currently executing
//   - run_passes: orchestrator passes per run
//
// Labels never carry run or block ids so cardinality stays bounded.
type PrometheusMetrics struct {
	blockLatency       *prometheus.HistogramVec
	blockExecutions    *prometheus.CounterVec
	constructIteration *prometheus.CounterVec
	runs               *prometheus.CounterVec
	activeRuns         prometheus.Gauge
	runPasses          prometheus.Histogram

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the executor metrics with registry. A nil
// registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		blockLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "blockflow",
			Name:      "block_latency_ms",
			Help:      "Block handler execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"block_type", "status"}),
		blockExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockflow",
			Name:      "block_executions_total",
			Help:      "Block handler invocations, including virtual iteration instances",
		}, []string{"block_type", "status"}),
		constructIteration: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockflow",
			Name:      "construct_iterations_total",
			Help:      "Parallel and loop iterations initialized",
		}, []string{"kind"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockflow",
			Name:      "runs_total",
			Help:      "Finished workflow runs",
		}, []string{"status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockflow",
			Name:      "active_runs",
			Help:      "Workflow runs currently executing",
		}),
		runPasses: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockflow",
			Name:      "run_passes",
			Help:      "Orchestrator passes per workflow run",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 500, 1000},
		}),
	}
}

func (pm *PrometheusMetrics) isEnabled() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordBlock records one handler invocation. status is "success", "error"
// or "timeout".
func (pm *PrometheusMetrics) RecordBlock(blockType string, latency time.Duration, status string) {
	if !pm.isEnabled() {
		return
	}
	pm.blockLatency.WithLabelValues(blockType, status).Observe(float64(latency.Milliseconds()))
	pm.blockExecutions.WithLabelValues(blockType, status).Inc()
}

// AddConstructIterations records the iterations of an initialized construct.
func (pm *PrometheusMetrics) AddConstructIterations(kind ConstructKind, n int) {
	if !pm.isEnabled() || n <= 0 {
		return
	}
	pm.constructIteration.WithLabelValues(string(kind)).Add(float64(n))
}

// RunStarted increments the active-run gauge.
func (pm *PrometheusMetrics) RunStarted() {
	if !pm.isEnabled() {
		return
	}
	pm.activeRuns.Inc()
}

// RunFinished decrements the active-run gauge and records the outcome.
func (pm *PrometheusMetrics) RunFinished(passes int, success bool) {
	if !pm.isEnabled() {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	pm.activeRuns.Dec()
	pm.runs.WithLabelValues(status).Inc()
	pm.runPasses.Observe(float64(passes))
}

// Disable stops recording. Useful in tests.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the active-run gauge.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.activeRuns.Set(0)
}
