package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the learner's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ParentCalls      *prometheus.CounterVec
	TrustedQueries   prometheus.Counter
	DatasetSize      prometheus.Gauge
	Uncertainty      prometheus.Histogram
	ParentDuration   prometheus.Histogram
	RetrainDuration  prometheus.Histogram
	AuditWriteErrors prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ParentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "almlp_parent_calls_total",
			Help: "Parent calculator calls by reason",
		}, []string{"reason"}),
		TrustedQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "almlp_trusted_queries_total",
			Help: "Queries answered by the surrogate",
		}),
		DatasetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "almlp_dataset_size",
			Help: "Frames in the training dataset",
		}),
		Uncertainty: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "almlp_prediction_uncertainty",
			Help:    "Max force standard deviation of surrogate predictions (eV/A)",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		ParentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "almlp_parent_call_duration_seconds",
			Help:    "Parent calculator latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		RetrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "almlp_retrain_duration_seconds",
			Help:    "Surrogate retrain latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		AuditWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "almlp_audit_write_errors_total",
			Help: "Parent-call audit writes that failed",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.ParentCalls, m.TrustedQueries, m.DatasetSize, m.Uncertainty,
		m.ParentDuration, m.RetrainDuration, m.AuditWriteErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveParentCall(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.ParentCalls.WithLabelValues(reason).Inc()
	m.ParentDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveTrusted() {
	if m == nil {
		return
	}
	m.TrustedQueries.Inc()
}

func (m *Metrics) ObserveUncertainty(u float64) {
	if m == nil {
		return
	}
	m.Uncertainty.Observe(u)
}

func (m *Metrics) ObserveRetrain(d time.Duration) {
	if m == nil {
		return
	}
	m.RetrainDuration.Observe(d.Seconds())
}

func (m *Metrics) SetDatasetSize(n int) {
	if m == nil {
		return
	}
	m.DatasetSize.Set(float64(n))
}

func (m *Metrics) AuditWriteFailed() {
	if m == nil {
		return
	}
	m.AuditWriteErrors.Inc()
}
