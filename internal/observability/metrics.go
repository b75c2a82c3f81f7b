package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors describing agent runs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs             *prometheus.CounterVec
	iterations       prometheus.Counter
	actionErrors     *prometheus.CounterVec
	decisionFailures prometheus.Counter
	decisionDuration prometheus.Histogram
	activeRuns       prometheus.Gauge
}

// NewMetrics registers the agent collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aml_agent",
			Subsystem: "driver",
			Name:      "runs_total",
			Help:      "Agent runs by terminal outcome.",
		}, []string{"outcome"}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aml_agent",
			Subsystem: "driver",
			Name:      "iterations_total",
			Help:      "Perceive-decide-act iterations started.",
		}),
		actionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aml_agent",
			Subsystem: "executor",
			Name:      "action_errors_total",
			Help:      "Browser actions that failed, by error code.",
		}, []string{"code"}),
		decisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aml_agent",
			Subsystem: "decision",
			Name:      "failures_total",
			Help:      "Decision calls that failed after retries.",
		}),
		decisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aml_agent",
			Subsystem: "decision",
			Name:      "duration_seconds",
			Help:      "Latency of decision calls including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aml_agent",
			Subsystem: "driver",
			Name:      "active_runs",
			Help:      "Runs currently holding a browser session.",
		}),
	}

	collectors := []prometheus.Collector{m.runs, m.iterations, m.actionErrors, m.decisionFailures, m.decisionDuration, m.activeRuns}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RunStarted marks a run as holding a session.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records the terminal outcome of a run.
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(outcome).Inc()
}

// IterationStarted counts one loop iteration.
func (m *Metrics) IterationStarted() {
	if m == nil {
		return
	}
	m.iterations.Inc()
}

// ActionFailed counts a recovered action error.
func (m *Metrics) ActionFailed(code string) {
	if m == nil {
		return
	}
	m.actionErrors.WithLabelValues(code).Inc()
}

// ObserveDecision records the latency and outcome of one decision call.
func (m *Metrics) ObserveDecision(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.decisionDuration.Observe(d.Seconds())
	if err != nil {
		m.decisionFailures.Inc()
	}
}
