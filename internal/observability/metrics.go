// Package observability holds the prometheus collectors shared across packages.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "webtime",
		Subsystem: "persistence",
		Name:      "last_record_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity record written to Postgres.",
	})

	visitsIngestedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webtime",
		Subsystem: "ingest",
		Name:      "visits_ingested_total",
		Help:      "Accepted visits by outcome (created, merged) and deciding classifier tier.",
	}, []string{"outcome", "tier"})

	visitsRejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webtime",
		Subsystem: "ingest",
		Name:      "visits_rejected_total",
		Help:      "Visits discarded before classification, by reason.",
	}, []string{"reason"})

	classifierFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webtime",
		Subsystem: "classifier",
		Name:      "semantic_failures_total",
		Help:      "Semantic classifier calls downgraded to neutral, by reason.",
	}, []string{"reason"})

	classifierLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "webtime",
		Subsystem: "classifier",
		Name:      "semantic_call_duration_seconds",
		Help:      "Latency of calls to the semantic classifier.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(recordPersistGauge, visitsIngestedCounter, visitsRejectedCounter, classifierFailureCounter, classifierLatency)
}

// RecordPersisted updates the persistence watermark gauge.
func RecordPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	recordPersistGauge.Set(float64(ts.Unix()))
}

// RecordVisitIngested counts an accepted visit.
func RecordVisitIngested(outcome, tier string) {
	if tier == "" {
		tier = "none"
	}
	visitsIngestedCounter.WithLabelValues(outcome, tier).Inc()
}

// RecordVisitRejected counts a discarded visit.
func RecordVisitRejected(reason string) {
	visitsRejectedCounter.WithLabelValues(reason).Inc()
}

// RecordClassifierFailure counts a semantic classification that fell back to neutral.
func RecordClassifierFailure(reason string) {
	classifierFailureCounter.WithLabelValues(reason).Inc()
}

// ObserveClassifierLatency records how long a semantic call took.
func ObserveClassifierLatency(d time.Duration) {
	classifierLatency.Observe(d.Seconds())
}
