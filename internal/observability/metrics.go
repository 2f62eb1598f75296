// Package observability holds the Prometheus metrics of the dialer.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the dialer exports.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
//	m.CallLaunched(campaignID)
type Metrics struct {
	Registry *prometheus.Registry

	// Labels: campaign
	Launches *prometheus.CounterVec
	// Labels: campaign, reason (originate|cancel|transition)
	LaunchFailures *prometheus.CounterVec
	// Labels: status (terminal or retryable status the call was closed with)
	Reconciled *prometheus.CounterVec
	// Labels: status (no_answer|busy)
	RetriesScheduled *prometheus.CounterVec
	// Labels: campaign
	ActiveCalls *prometheus.GaugeVec
	// Labels: cycle (launch|retry|reconcile)
	CycleDuration *prometheus.HistogramVec
	// Labels: cycle
	CycleErrors *prometheus.CounterVec
	BargeIns    prometheus.Counter
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg gets a fresh
// registry so tests never touch the global one.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Launches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dialer_launches_total",
			Help: "Calls handed to the media server",
		}, []string{"campaign"}),
		LaunchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dialer_launch_failures_total",
			Help: "Claimed calls that did not reach the media server",
		}, []string{"campaign", "reason"}),
		Reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dialer_reconciled_calls_total",
			Help: "Calls closed by reconciliation by resulting status",
		}, []string{"status"}),
		RetriesScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dialer_retries_scheduled_total",
			Help: "Calls moved to retry by originating status",
		}, []string{"status"}),
		ActiveCalls: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dialer_active_calls",
			Help: "Channel-holding calls per campaign at the start of the launch cycle",
		}, []string{"campaign"}),
		CycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dialer_cycle_duration_seconds",
			Help:    "Duration of dispatcher cycles",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"cycle"}),
		CycleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dialer_cycle_errors_total",
			Help: "Dispatcher cycles that ended with an error",
		}, []string{"cycle"}),
		BargeIns: f.NewCounter(prometheus.CounterOpts{
			Name: "dialer_barge_ins_total",
			Help: "Prompts interrupted by the callee",
		}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dialer_http_request_duration_seconds",
			Help:    "Management API latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),
	}
}

func (m *Metrics) CallLaunched(campaign string) {
	m.Launches.WithLabelValues(campaign).Inc()
}

func (m *Metrics) LaunchFailed(campaign, reason string) {
	m.LaunchFailures.WithLabelValues(campaign, reason).Inc()
}

func (m *Metrics) CallReconciled(status string) {
	m.Reconciled.WithLabelValues(status).Inc()
}

func (m *Metrics) RetryScheduled(status string) {
	m.RetriesScheduled.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActive(campaign string, n int) {
	m.ActiveCalls.WithLabelValues(campaign).Set(float64(n))
}

// ObserveCycle records a cycle's duration and whether it failed.
func (m *Metrics) ObserveCycle(cycle string, started time.Time, err error) {
	m.CycleDuration.WithLabelValues(cycle).Observe(time.Since(started).Seconds())
	if err != nil {
		m.CycleErrors.WithLabelValues(cycle).Inc()
	}
}

func (m *Metrics) BargeIn() {
	m.BargeIns.Inc()
}
