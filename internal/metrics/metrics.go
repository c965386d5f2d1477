// Package metrics holds the Prometheus collectors for sync activity.
//
// Collectors are registered on a caller-supplied registry; nothing is
// registered globally. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pass results.
const (
	ResultOK      = "ok"
	ResultPartial = "partial"
	ResultAuth    = "auth_required"
)

// Metrics groups the sync collectors.
type Metrics struct {
	Passes       *prometheus.CounterVec
	StepFailures *prometheus.CounterVec
	Operations   *prometheus.CounterVec
	Pending      *prometheus.GaugeVec
	Online       prometheus.Gauge
	PassDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prepsync_passes_total",
				Help: "Sync passes run, by result",
			},
			[]string{"result"},
		),
		StepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prepsync_step_failures_total",
				Help: "Failed items per sync step",
			},
			[]string{"step"},
		),
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prepsync_operations_total",
				Help: "Tasks handled per sync operation",
			},
			[]string{"op"},
		),
		Pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "prepsync_pending_changes",
				Help: "Local changes not yet confirmed remotely",
			},
			[]string{"user"},
		),
		Online: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "prepsync_online",
				Help: "1 while the remote store is reachable",
			},
		),
		PassDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prepsync_pass_duration_seconds",
				Help:    "Duration of sync passes",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(m.Passes, m.StepFailures, m.Operations, m.Pending, m.Online, m.PassDuration)
	return m
}

// PassCompleted records one finished pass.
func (m *Metrics) PassCompleted(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Passes.WithLabelValues(result).Inc()
	m.PassDuration.Observe(d.Seconds())
}

// StepFailed records n failed items in step.
func (m *Metrics) StepFailed(step string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.StepFailures.WithLabelValues(step).Add(float64(n))
}

// Add records n tasks handled by op.
func (m *Metrics) Add(op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Operations.WithLabelValues(op).Add(float64(n))
}

// SetPending records the pending change count of userID.
func (m *Metrics) SetPending(userID string, n int) {
	if m == nil {
		return
	}
	m.Pending.WithLabelValues(userID).Set(float64(n))
}

// SetOnline records connectivity state.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Online.Set(1)
		return
	}
	m.Online.Set(0)
}
