package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the poller-side collectors. The registry is injected so the
// collector lifecycle follows the process, not package init.
type Metrics struct {
	PollsTotal         prometheus.Counter
	PollsFailed        prometheus.Counter
	PollsFailedHTTP5xx prometheus.Counter
	PollsFailedHTTP429 prometheus.Counter
	PollRetries        prometheus.Counter
	EventsPublished    prometheus.Counter
	PollDuration       prometheus.Histogram
	PublishDuration    prometheus.Histogram
	LastSuccess        *prometheus.GaugeVec
}

// NewMetrics registers the poller collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PollsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tk_polls_total",
			Help: "Total number of station polls attempted.",
		}),
		PollsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tk_polls_failed_total",
			Help: "Total number of failed station poll cycles.",
		}),
		PollsFailedHTTP5xx: factory.NewCounter(prometheus.CounterOpts{
			Name: "tk_polls_failed_http_5xx_total",
			Help: "Total number of transient upstream 5xx responses.",
		}),
		PollsFailedHTTP429: factory.NewCounter(prometheus.CounterOpts{
			Name: "tk_polls_failed_http_429_total",
			Help: "Total number of upstream 429 responses.",
		}),
		PollRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "tk_polls_retries_total",
			Help: "Total number of HTTP retry attempts for transient failures.",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "tk_events_published_total",
			Help: "Total number of events published to the broker.",
		}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tk_poll_duration_seconds",
			Help:    "Duration of upstream HTTP polls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		PublishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tk_publish_duration_seconds",
			Help:    "Duration of broker publishes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		LastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tk_last_success_unixtime",
			Help: "Unix timestamp of the last successful poll per sensor.",
		}, []string{"sensor_id"}),
	}
}
