package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "browserlink"

// Metrics holds the prometheus collectors shared by the connection stack.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	attempts         *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	races            *prometheus.CounterVec
	retries          prometheus.Counter
	backoff          prometheus.Histogram
	sessionOpen      prometheus.Gauge
	sessionOpens     prometheus.Counter
	frames           prometheus.Counter
	commands         *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	credentialChecks *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. Passing nil uses a fresh
// registry, which keeps tests independent of the process-wide default.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_attempts_total",
			Help:      "Transport attempts by kind and outcome.",
		}, []string{"kind", "result"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_attempt_duration_seconds",
			Help:      "Time from attempt start to open or failure.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2.5, 3.5, 5},
		}, []string{"kind"}),
		races: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_races_total",
			Help:      "Completed transport races by winning kind (none when every attempt failed).",
		}, []string{"winner"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnection waits scheduled after a failed or closed cycle.",
		}),
		backoff: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Computed reconnection delays.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 10},
		}),
		sessionOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_open",
			Help:      "1 while a transport is attached to the session.",
		}),
		sessionOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_opens_total",
			Help:      "Times a transport became active for the session.",
		}),
		frames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Screenshot frames received from the remote browser.",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands by type and outcome (sent or dropped).",
		}, []string{"type", "result"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Session events dropped because a subscriber was full.",
		}),
		credentialChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_requests_total",
			Help:      "Credential resolutions by source (cache, store, remote, static) and result.",
		}, []string{"source", "result"}),
	}
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry for inspection.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.gatherer
}

func (m *Metrics) ObserveAttempt(kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(kind, result).Inc()
	m.attemptDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRace(winner string) {
	if m == nil {
		return
	}
	if winner == "" {
		winner = "none"
	}
	m.races.WithLabelValues(winner).Inc()
}

func (m *Metrics) ObserveRetry(delay time.Duration) {
	if m == nil {
		return
	}
	m.retries.Inc()
	m.backoff.Observe(delay.Seconds())
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionOpen.Set(1)
	m.sessionOpens.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionOpen.Set(0)
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.frames.Inc()
}

func (m *Metrics) CommandSent(kind string, delivered bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !delivered {
		result = "dropped"
	}
	m.commands.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) CredentialResolved(source string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.credentialChecks.WithLabelValues(source, result).Inc()
}
