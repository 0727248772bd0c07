// Package metrics exposes Prometheus metrics of the notifier.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the notifier's collectors.
type Metrics struct {
	// Registry
	RegistryOps *prometheus.CounterVec

	// Digest
	DigestRuns     *prometheus.CounterVec
	DigestDuration prometheus.Histogram
	EmailsSent     prometheus.Counter
	EmailsFailed   prometheus.Counter
	ItemsSkipped   *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	RateLimited  prometheus.Counter

	factory promauto.Factory
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		factory: f,
		RegistryOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_registry_operations_total",
				Help: "Publisher/subscriber registry operations",
			},
			[]string{"op"},
		),
		DigestRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_digest_runs_total",
				Help: "Digest runs by result",
			},
			[]string{"result"},
		),
		DigestDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "notifier_digest_duration_seconds",
				Help:    "Duration of digest runs",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		EmailsSent: f.NewCounter(
			prometheus.CounterOpts{
				Name: "notifier_digest_emails_sent_total",
				Help: "Digest emails accepted by the mail provider",
			},
		),
		EmailsFailed: f.NewCounter(
			prometheus.CounterOpts{
				Name: "notifier_digest_emails_failed_total",
				Help: "Digest emails the mail provider did not accept",
			},
		),
		ItemsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_digest_subscribers_skipped_total",
				Help: "Subscribers left out of a digest, by reason",
			},
			[]string{"reason"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifier_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Name: "notifier_http_rate_limited_total",
				Help: "HTTP requests rejected by the rate limiter",
			},
		),
	}
}

// RegistryOp counts one registry operation.
func (m *Metrics) RegistryOp(op string) {
	m.RegistryOps.WithLabelValues(op).Inc()
}

// DigestRun records a finished digest run.
func (m *Metrics) DigestRun(result string, d time.Duration) {
	m.DigestRuns.WithLabelValues(result).Inc()
	m.DigestDuration.Observe(d.Seconds())
}

// EmailSent counts a delivered digest.
func (m *Metrics) EmailSent() { m.EmailsSent.Inc() }

// EmailFailed counts a failed digest.
func (m *Metrics) EmailFailed() { m.EmailsFailed.Inc() }

// Skipped counts a subscriber left out of a digest.
func (m *Metrics) Skipped(reason string) {
	m.ItemsSkipped.WithLabelValues(reason).Inc()
}

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(route string, code int) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// RateLimit counts one rejected request.
func (m *Metrics) RateLimit() { m.RateLimited.Inc() }

// WatchEvents exports the listener count and dropped deliveries of the
// subscription change feed.
func (m *Metrics) WatchEvents(listeners func() int, dropped func() uint64) {
	m.factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "notifier_event_listeners",
			Help: "Registered subscription change listeners",
		},
		func() float64 { return float64(listeners()) },
	)
	m.factory.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "notifier_events_dropped_total",
			Help: "Subscription change events a slow listener missed",
		},
		func() float64 { return float64(dropped()) },
	)
}
