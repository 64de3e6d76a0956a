package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics exposes counters/histograms for the no-show pipeline.
type PipelineMetrics struct {
	jobRuns        *prometheus.CounterVec
	rowsUpdated    *prometheus.CounterVec
	jobLatency     *prometheus.HistogramVec
	chargeAttempts *prometheus.CounterVec
	rejections     *prometheus.CounterVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noshow",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total scheduled job invocations",
		}, []string{"job", "status"}),
		rowsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noshow",
			Subsystem: "jobs",
			Name:      "rows_updated_total",
			Help:      "Appointments changed by scheduled jobs",
		}, []string{"job"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "noshow",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of scheduled job runs",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		chargeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noshow",
			Subsystem: "billing",
			Name:      "charge_attempts_total",
			Help:      "No-show fee charge attempts by outcome",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noshow",
			Subsystem: "appointments",
			Name:      "rejected_actions_total",
			Help:      "Manual appointment actions rejected by the status rules",
		}, []string{"action"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.jobRuns, m.rowsUpdated, m.jobLatency, m.chargeAttempts, m.rejections)
	return m
}

func (m *PipelineMetrics) ObserveJob(job, status string, updated int, seconds float64) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	if updated > 0 {
		m.rowsUpdated.WithLabelValues(job).Add(float64(updated))
	}
	m.jobLatency.WithLabelValues(job).Observe(seconds)
}

// ObserveCharge records one attempt outcome: charged, failed, max_attempts or skipped.
func (m *PipelineMetrics) ObserveCharge(outcome string) {
	if m == nil {
		return
	}
	m.chargeAttempts.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ObserveRejection(action string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(action).Inc()
}
