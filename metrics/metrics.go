// Package metrics exports orchestrator lifecycle events to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	nodeflow "nodeflow"
	"nodeflow/flows"
)

// Monitor is a flows.Monitor backed by Prometheus collectors.
type Monitor struct {
	executions   *prometheus.CounterVec
	nodeRuns     *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	activeRuns   prometheus.Gauge
	gatherer     prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) (*Monitor, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Monitor{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodeflow_executions_total",
			Help: "Execution attempts by the status they ended in.",
		}, []string{"status"}),
		nodeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodeflow_node_executions_total",
			Help: "Node executions by node type and result.",
		}, []string{"type", "result"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nodeflow_node_duration_seconds",
			Help:    "Node execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"type"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodeflow_executions_active",
			Help: "Executions currently being driven by the engine.",
		}),
	}
	for _, c := range []prometheus.Collector{m.executions, m.nodeRuns, m.nodeDuration, m.activeRuns} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m, nil
}

func (m *Monitor) Notify(_ context.Context, ev flows.Event) {
	switch ev.Type {
	case flows.EventExecutionStart:
		m.activeRuns.Inc()
	case flows.EventExecutionComplete:
		m.activeRuns.Dec()
		m.executions.WithLabelValues(executionLabel(ev.Status)).Inc()
	case flows.EventNodeEnd:
		m.nodeRuns.WithLabelValues(string(ev.NodeType), "success").Inc()
		m.nodeDuration.WithLabelValues(string(ev.NodeType)).Observe(ev.Duration.Seconds())
	case flows.EventNodeError:
		result := "fatal"
		if nodeflow.IsRetriable(ev.Err) {
			result = "retry"
		}
		m.nodeRuns.WithLabelValues(string(ev.NodeType), result).Inc()
		m.nodeDuration.WithLabelValues(string(ev.NodeType)).Observe(ev.Duration.Seconds())
	}
}

// executionLabel names a run that stopped on a retriable failure "suspended".
func executionLabel(s nodeflow.ExecutionStatus) string {
	switch s {
	case nodeflow.ExecutionSuccess:
		return "success"
	case nodeflow.ExecutionFailed:
		return "failed"
	default:
		return "suspended"
	}
}

// Handler serves the registry the monitor was registered on.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
