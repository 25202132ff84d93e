// Package metrics exposes pgwire's own Prometheus instrumentation: connect
// and authentication latency, query duration and timeout counts, protocol
// errors, and notification/byte throughput. Grounded on dbbouncer's
// Collector, narrowed from per-tenant label sets to a single session's
// lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric pgwire emits, registered on its
// own Registry so embedding applications can mount it wherever they like
// (see internal/diag).
type Collector struct {
	Registry *prometheus.Registry

	connectDuration    prometheus.Histogram
	authDuration       *prometheus.HistogramVec
	queryDuration      *prometheus.HistogramVec
	queryTimeouts      prometheus.Counter
	protocolErrors     *prometheus.CounterVec
	notificationsTotal prometheus.Counter
	bytesRead          prometheus.Counter
	bytesWritten       prometheus.Counter
}

// New creates and registers pgwire's metrics on a fresh, private registry.
// Safe to call more than once — each call is independent, as with the
// teacher's per-tenant Collector.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgwire_connect_duration_seconds",
			Help:    "Time from dial to ReadyForQuery",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		authDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgwire_auth_duration_seconds",
				Help:    "Time spent in the authentication exchange, by mechanism",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"mechanism"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgwire_query_duration_seconds",
				Help:    "Time from submission to ReadyForQuery, by protocol",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
			},
			[]string{"protocol"},
		),
		queryTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_query_timeouts_total",
			Help: "Queries that hit their client-side read timeout",
		}),
		protocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgwire_protocol_errors_total",
				Help: "Protocol-level errors, by kind",
			},
			[]string{"kind"},
		),
		notificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_notifications_total",
			Help: "NotificationResponse messages delivered to the session",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_bytes_read_total",
			Help: "Raw bytes read from the backend socket",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwire_bytes_written_total",
			Help: "Raw bytes written to the backend socket",
		}),
	}

	reg.MustRegister(
		c.connectDuration,
		c.authDuration,
		c.queryDuration,
		c.queryTimeouts,
		c.protocolErrors,
		c.notificationsTotal,
		c.bytesRead,
		c.bytesWritten,
	)

	return c
}

// ConnectDuration observes the time from dial to the first ReadyForQuery.
func (c *Collector) ConnectDuration(d time.Duration) {
	c.connectDuration.Observe(d.Seconds())
}

// AuthDuration observes time spent in one authentication mechanism's
// exchange (e.g. "SCRAM-SHA-256", "md5", "cleartext").
func (c *Collector) AuthDuration(mechanism string, d time.Duration) {
	c.authDuration.WithLabelValues(mechanism).Observe(d.Seconds())
}

// QueryDuration observes time from submission to completion, labeled
// "simple" or "extended" depending on which sub-protocol carried it.
func (c *Collector) QueryDuration(protocolName string, d time.Duration) {
	c.queryDuration.WithLabelValues(protocolName).Observe(d.Seconds())
}

// QueryTimeout increments the count of queries that hit their read timeout.
func (c *Collector) QueryTimeout() {
	c.queryTimeouts.Inc()
}

// ProtocolError increments the protocol error counter for kind (e.g.
// "server_error", "malformed_frame", "unexpected_message").
func (c *Collector) ProtocolError(kind string) {
	c.protocolErrors.WithLabelValues(kind).Inc()
}

// NotificationReceived increments the NOTIFY delivery counter.
func (c *Collector) NotificationReceived() {
	c.notificationsTotal.Inc()
}

// BytesRead/BytesWritten track raw socket throughput.
func (c *Collector) BytesRead(n int) {
	c.bytesRead.Add(float64(n))
}

func (c *Collector) BytesWritten(n int) {
	c.bytesWritten.Add(float64(n))
}
