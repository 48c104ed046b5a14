package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups all Prometheus instruments used by the memory pipeline.
// A nil *Metrics records nothing.
type Metrics struct {
	Runs               *prometheus.CounterVec
	MergeOutcomes      *prometheus.CounterVec
	ExtractionFailures prometheus.Counter
	CommitFailures     prometheus.Counter
	BatchDuration      prometheus.Histogram
}

// NewMetrics registers the instruments on reg. Passing nil uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Memory pipeline runs by outcome.",
		}, []string{"outcome"}),
		MergeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_outcomes_total",
			Help:      "Candidate facts by merge outcome.",
		}, []string{"outcome"}),
		ExtractionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_unavailable_total",
			Help:      "Extraction calls that failed, timed out or returned malformed output.",
		}),
		CommitFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_failures_total",
			Help:      "Store upserts that failed during commit.",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_ms",
			Help:      "Time to process one SQS batch in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		}),
	}
}

func (m *Metrics) ExtractionUnavailable() {
	if m == nil {
		return
	}
	m.ExtractionFailures.Inc()
}

func (m *Metrics) MergeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.MergeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CommitFailure() {
	if m == nil {
		return
	}
	m.CommitFailures.Inc()
}

func (m *Metrics) Run(outcome string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(float64(d.Milliseconds()))
}
