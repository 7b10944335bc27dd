package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the consumer-side collectors.
type Metrics struct {
	EventsConsumed  prometheus.Counter
	EventsProcessed prometheus.Counter
	EventsFailed    prometheus.Counter
	DuplicateEvents prometheus.Counter
	WriteDuration   prometheus.Histogram
}

// NewMetrics registers the ingest collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tk_events_consumed_total",
			Help: "Total number of events consumed from the broker.",
		}),
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tk_events_processed_total",
			Help: "Total number of events successfully persisted.",
		}),
		EventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tk_events_failed_total",
			Help: "Total number of events that failed processing.",
		}),
		DuplicateEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "tk_duplicate_events_total",
			Help: "Total number of duplicate events discarded as already persisted.",
		}),
		WriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tk_db_write_duration_seconds",
			Help:    "Duration of database writes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}
}
