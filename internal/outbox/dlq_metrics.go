package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// DLQ actions reported on the entries counter.
const (
	dlqActionRequeued    = "requeued"
	dlqActionRetry       = "retry_scheduled"
	dlqActionQuarantined = "quarantined"
)

var (
	dlqEntriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webtime",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries handled by the manager, by action and record event type.",
	}, []string{"action", "event_type"})

	dlqEntriesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "webtime",
		Subsystem: "dlq",
		Name:      "entries",
		Help:      "Entries currently in the DLQ, split into pending and quarantined.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(dlqEntriesCounter, dlqEntriesGauge)
}

func recordDLQAction(action string, entry dlqEntry) {
	dlqEntriesCounter.WithLabelValues(action, entry.EventType).Inc()
}

func updateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) error {
	var pending, quarantined int
	err := pool.QueryRow(ctx, `SELECT
	        COUNT(*) FILTER (WHERE quarantined_at IS NULL),
	        COUNT(*) FILTER (WHERE quarantined_at IS NOT NULL)
	    FROM outbox_dlq`).Scan(&pending, &quarantined)
	if err != nil {
		return err
	}
	dlqEntriesGauge.WithLabelValues("pending").Set(float64(pending))
	dlqEntriesGauge.WithLabelValues("quarantined").Set(float64(quarantined))
	return nil
}
