package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus metrics for workflow execution,
// all namespaced with "stageflow_":
//
//  1. steps_total (counter): executed steps. Labels: run_id, node_id.
//  2. step_latency_ms (histogram): node execution duration in milliseconds.
//     Labels: node_id, status (success/error).
//  3. interrupts_total (counter): pauses at the interrupt node. Labels: run_id.
//  4. node_errors_total (counter): node executions that returned an error.
//     Labels: node_id.
//
// Expose via HTTP for scraping:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewPrometheusMetrics(registry)
//	engine := flow.New(reducer, st, emitter, flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	stepsTotal      *prometheus.CounterVec
	stepLatency     *prometheus.HistogramVec
	interruptsTotal *prometheus.CounterVec
	nodeErrors      *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers the metric set with the given
// registerer. A nil registerer uses the default global registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stageflow",
			Name:      "steps_total",
			Help:      "Total executed workflow steps.",
		}, []string{"run_id", "node_id"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stageflow",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_id", "status"}),
		interruptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stageflow",
			Name:      "interrupts_total",
			Help:      "Workflow pauses at the designated interrupt node.",
		}, []string{"run_id"}),
		nodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stageflow",
			Name:      "node_errors_total",
			Help:      "Node executions that returned an error.",
		}, []string{"node_id"}),
	}
}

// ObserveStep records one node execution.
func (m *PrometheusMetrics) ObserveStep(runID, nodeID string, elapsed time.Duration, failed bool) {
	status := "success"
	if failed {
		status = "error"
		m.nodeErrors.WithLabelValues(nodeID).Inc()
	}
	m.stepsTotal.WithLabelValues(runID, nodeID).Inc()
	m.stepLatency.WithLabelValues(nodeID, status).Observe(float64(elapsed.Milliseconds()))
}

// ObserveInterrupt records one pause at the interrupt node.
func (m *PrometheusMetrics) ObserveInterrupt(runID string) {
	m.interruptsTotal.WithLabelValues(runID).Inc()
}
