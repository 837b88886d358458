package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the relay.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ThreadsOpened prometheus.Counter
	ThreadsClosed *prometheus.CounterVec
	ThreadsOpen   prometheus.Gauge

	MessagesRelayed *prometheus.CounterVec
	MailReceived    prometheus.Counter

	CommandsTotal  *prometheus.CounterVec
	CommandsFailed *prometheus.CounterVec

	GateBlocks       *prometheus.CounterVec
	ScheduledClosures prometheus.Gauge

	WebsocketClients prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		ThreadsOpened: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "modmail_threads_opened_total",
				Help: "Total number of threads opened",
			},
		),

		ThreadsClosed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modmail_threads_closed_total",
				Help: "Total number of threads closed",
			},
			[]string{"reason"},
		),

		ThreadsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "modmail_threads_open",
				Help: "Number of currently open threads",
			},
		),

		MessagesRelayed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modmail_messages_relayed_total",
				Help: "Total number of messages relayed between users and staff",
			},
			[]string{"direction"},
		),

		MailReceived: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "modmail_mail_received_total",
				Help: "Total number of inbound mail messages accepted",
			},
		),

		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modmail_commands_total",
				Help: "Total number of commands dispatched",
			},
			[]string{"command"},
		),

		CommandsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modmail_commands_failed_total",
				Help: "Total number of commands that returned an error",
			},
			[]string{"command"},
		),

		GateBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modmail_gate_blocks_total",
				Help: "Total number of messages refused by the gate",
			},
			[]string{"kind"},
		),

		ScheduledClosures: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "modmail_scheduled_closures",
				Help: "Number of pending deferred thread closures",
			},
		),

		WebsocketClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "modmail_websocket_clients",
				Help: "Number of connected websocket clients",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modmail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),
	}
}

// RecordHTTPRequest records one request's counter and latency samples.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordThreadOpened() {
	m.ThreadsOpened.Inc()
}

func (m *Metrics) RecordThreadClosed(reason string) {
	m.ThreadsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) UpdateThreadsOpen(count int) {
	m.ThreadsOpen.Set(float64(count))
}

func (m *Metrics) RecordMessageRelayed(direction string) {
	m.MessagesRelayed.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordMailReceived() {
	m.MailReceived.Inc()
}

func (m *Metrics) RecordCommand(command string) {
	m.CommandsTotal.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordCommandFailure(command string) {
	m.CommandsFailed.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordGateBlock(kind string) {
	m.GateBlocks.WithLabelValues(kind).Inc()
}

func (m *Metrics) UpdateScheduledClosures(count int) {
	m.ScheduledClosures.Set(float64(count))
}

func (m *Metrics) UpdateWebsocketClients(count int) {
	m.WebsocketClients.Set(float64(count))
}

func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// HTTPHandler exposes the default registry for scraping.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
