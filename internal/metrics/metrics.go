// Package metrics holds the Prometheus collectors for the supervisor and
// the remote channel.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Pty host lifecycle
	HostStarts       prometheus.Counter
	HostRestarts     prometheus.Counter
	HostUnresponsive prometheus.Counter
	HostResponsive   prometheus.Gauge

	// Remote channel
	WorkbenchConnections prometheus.Gauge
	ChannelRequests      *prometheus.CounterVec
	ChannelDuration      *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. Pass a fresh registry in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		gatherer: reg,

		HostStarts: f.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_host_starts_total",
			Help: "Total number of pty host processes started",
		}),
		HostRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_host_restarts_total",
			Help: "Total number of automatic pty host restarts after a crash",
		}),
		HostUnresponsive: f.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_host_unresponsive_total",
			Help: "Total number of unresponsive episodes",
		}),
		HostResponsive: f.NewGauge(prometheus.GaugeOpts{
			Name: "ptyhost_host_responsive",
			Help: "1 while the pty host answers heartbeats, 0 otherwise",
		}),

		WorkbenchConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "ptyhost_workbench_connections",
			Help: "Number of connected workbenches",
		}),
		ChannelRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptyhost_channel_requests_total",
				Help: "Total number of remote channel requests",
			},
			[]string{"request", "status"},
		),
		ChannelDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ptyhost_channel_request_duration_seconds",
				Help:    "Remote channel request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"request"},
		),
	}
	m.HostResponsive.Set(1)
	return m
}

// NewNop returns metrics backed by a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveRequest records one remote channel request.
func (m *Metrics) ObserveRequest(request string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ChannelRequests.WithLabelValues(request, status).Inc()
	m.ChannelDuration.WithLabelValues(request).Observe(time.Since(start).Seconds())
}

// SetResponsive mirrors the heartbeat state.
func (m *Metrics) SetResponsive(ok bool) {
	if ok {
		m.HostResponsive.Set(1)
		return
	}
	m.HostResponsive.Set(0)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
