package gptcord

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "gptcord"

// Metrics holds the bot's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	openaiRequests  *prometheus.CounterVec
	openaiLatency   *prometheus.HistogramVec
	interactions    *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	videoJobs       *prometheus.CounterVec
	discordConnects prometheus.Counter
	httpRequests    *prometheus.CounterVec
}

// NewMetrics creates a Metrics backed by its own registry, so multiple
// bots (or tests) don't collide on the default registerer.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		openaiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "openai_requests_total",
				Help:      "OpenAI requests by operation and outcome (ok/transient/fatal).",
			},
			[]string{"op", "outcome"},
		),
		openaiLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "openai_request_duration_seconds",
				Help:      "OpenAI request latency in seconds.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
			},
			[]string{"op", "success"},
		),
		interactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "interactions_total",
				Help:      "Discord interactions by command and status.",
			},
			[]string{"command", "status"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_sessions",
				Help:      "Number of live conversation sessions.",
			},
		),
		videoJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "video_jobs_total",
				Help:      "Video jobs by terminal status.",
			},
			[]string{"status"},
		),
		discordConnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_connects_total",
				Help:      "Discord gateway connect events.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "API and webhook requests by server, route and status code.",
			},
			[]string{"server", "route", "code"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.openaiRequests,
		m.openaiLatency,
		m.interactions,
		m.activeSessions,
		m.videoJobs,
		m.discordConnects,
		m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeOpenAIRequest(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "fatal"
		var transient *TransientProviderError
		if errors.As(classifyProviderError(op, err), &transient) {
			outcome = "transient"
		}
	}
	m.openaiRequests.WithLabelValues(op, outcome).Inc()
	m.openaiLatency.WithLabelValues(op, strconv.FormatBool(err == nil)).Observe(d.Seconds())
}

func (m *Metrics) observeInteraction(command string, status InteractionStatus) {
	if m == nil {
		return
	}
	m.interactions.WithLabelValues(command, string(status)).Inc()
}

func (m *Metrics) setActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) observeVideoJob(status JobStatus) {
	if m == nil {
		return
	}
	m.videoJobs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeDiscordConnect() {
	if m == nil {
		return
	}
	m.discordConnects.Inc()
}

func (m *Metrics) observeHTTPRequest(server, route string, code int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(server, route, strconv.Itoa(code)).Inc()
}
