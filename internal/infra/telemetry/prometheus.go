package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the subset of observations the connectivity layer reports.
type Metrics interface {
	ObserveConnect(server string, duration time.Duration, err error)
	ObserveDiscovery(server string, duration time.Duration, err error)
	ObserveInvoke(server, tool string, duration time.Duration, err error)
	ObserveTokenVerification(strategy string, valid bool)
	SetActiveSessions(count int)
	SetHostedServers(count int)
}

type PrometheusMetrics struct {
	connectDuration    *prometheus.HistogramVec
	discoveryDuration  *prometheus.HistogramVec
	invokeDuration     *prometheus.HistogramVec
	tokenVerifications *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	hostedServers      prometheus.Gauge
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		connectDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcphub_connect_duration_seconds",
				Help:    "Duration of MCP session establishment in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"server", "status"},
		),
		discoveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcphub_discovery_duration_seconds",
				Help:    "Duration of capability discovery in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"server", "status"},
		),
		invokeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcphub_invoke_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"server", "tool", "status"},
		),
		tokenVerifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcphub_token_verifications_total",
				Help: "Total number of token verification attempts",
			},
			[]string{"strategy", "result"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcphub_active_sessions",
				Help: "Current number of live client sessions",
			},
		),
		hostedServers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcphub_hosted_servers",
				Help: "Current number of locally hosted MCP servers",
			},
		),
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (p *PrometheusMetrics) ObserveConnect(server string, duration time.Duration, err error) {
	p.connectDuration.WithLabelValues(server, statusLabel(err)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveDiscovery(server string, duration time.Duration, err error) {
	p.discoveryDuration.WithLabelValues(server, statusLabel(err)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveInvoke(server, tool string, duration time.Duration, err error) {
	p.invokeDuration.WithLabelValues(server, tool, statusLabel(err)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveTokenVerification(strategy string, valid bool) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	p.tokenVerifications.WithLabelValues(strategy, result).Inc()
}

func (p *PrometheusMetrics) SetActiveSessions(count int) {
	p.activeSessions.Set(float64(count))
}

func (p *PrometheusMetrics) SetHostedServers(count int) {
	p.hostedServers.Set(float64(count))
}

var _ Metrics = (*PrometheusMetrics)(nil)

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ObserveConnect(string, time.Duration, error)       {}
func (NopMetrics) ObserveDiscovery(string, time.Duration, error)     {}
func (NopMetrics) ObserveInvoke(string, string, time.Duration, error) {}
func (NopMetrics) ObserveTokenVerification(string, bool)             {}
func (NopMetrics) SetActiveSessions(int)                             {}
func (NopMetrics) SetHostedServers(int)                              {}

var _ Metrics = NopMetrics{}
