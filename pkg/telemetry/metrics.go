package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics collects Prometheus metrics for the orchestrator. All recording
// methods are safe on a nil receiver so callers never need to guard.
type Metrics struct {
	registry *prometheus.Registry

	attempts          *prometheus.CounterVec
	recoveries        *prometheus.CounterVec
	stackOutcomes     *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// NewMetrics creates the metric set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kestrelctl",
				Name:      "attempts_total",
				Help:      "Total Terraform invocations per stack and command",
			},
			[]string{"stack", "command"},
		),
		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kestrelctl",
				Name:      "recoveries_total",
				Help:      "Recovery rule matches by rule name",
			},
			[]string{"rule"},
		),
		stackOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kestrelctl",
				Name:      "stack_outcomes_total",
				Help:      "Terminal stack execution statuses",
			},
			[]string{"stack", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kestrelctl",
				Name:      "operation_duration_seconds",
				Help:      "Wall-clock duration of stack executions",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"stack", "command"},
		),
	}

	registry.MustRegister(m.attempts, m.recoveries, m.stackOutcomes, m.operationDuration)
	return m
}

// ObserveAttempt counts one tool invocation.
func (m *Metrics) ObserveAttempt(stack, command string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(stack, command).Inc()
}

// ObserveRecovery counts one recovery rule match.
func (m *Metrics) ObserveRecovery(rule string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(rule).Inc()
}

// ObserveStackOutcome counts a terminal execution status.
func (m *Metrics) ObserveStackOutcome(stack, status string) {
	if m == nil {
		return
	}
	m.stackOutcomes.WithLabelValues(stack, status).Inc()
}

// ObserveOperationDuration records the wall-clock time of one execution.
func (m *Metrics) ObserveOperationDuration(stack, command string, d time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(stack, command).Observe(d.Seconds())
}

// Serve exposes the registry over HTTP for the duration of the run. It
// returns immediately; the listener dies with the process.
func (m *Metrics) Serve(listen string) {
	if m == nil || listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(listen, mux); err != nil {
			log.Warn().Err(err).Str("listen", listen).Msg("Metrics listener stopped")
		}
	}()
}
