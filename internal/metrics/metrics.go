// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RefreshesTotal   *prometheus.CounterVec
	RefreshWaiters   prometheus.Counter
	RefreshInFlight  prometheus.Gauge
	UpstreamErrors   *prometheus.CounterVec
	MediaStreams     prometheus.Gauge
	MediaAbortsTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total number of proxied requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_request_duration_seconds",
				Help:    "Handler duration by route (media: until stream start).",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_token_refreshes_total",
				Help: "Refresh calls made against the authorization server by result.",
			},
			[]string{"result"},
		),
		RefreshWaiters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_token_refresh_shared_total",
				Help: "Requests that joined an in-flight refresh instead of starting one.",
			},
		),
		RefreshInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_token_refreshes_in_flight",
				Help: "Refresh calls currently in flight.",
			},
		),
		UpstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_errors_total",
				Help: "Upstream failures by kind.",
			},
			[]string{"kind"},
		),
		MediaStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_media_streams_active",
				Help: "Media streams currently being relayed.",
			},
		),
		MediaAbortsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_media_aborts_total",
				Help: "Media streams aborted before the upstream body was fully relayed.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.RefreshesTotal)
	reg.MustRegister(m.RefreshWaiters)
	reg.MustRegister(m.RefreshInFlight)
	reg.MustRegister(m.UpstreamErrors)
	reg.MustRegister(m.MediaStreams)
	reg.MustRegister(m.MediaAbortsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the request counter.
func (m *Metrics) RecordRequest(route, code string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, code).Inc()
}

// ObserveDuration records handler duration.
func (m *Metrics) ObserveDuration(route string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RefreshStarted marks a refresh call as in flight.
func (m *Metrics) RefreshStarted() {
	if m == nil {
		return
	}
	m.RefreshInFlight.Inc()
}

// RefreshSettled records the result of a refresh call.
func (m *Metrics) RefreshSettled(result string) {
	if m == nil {
		return
	}
	m.RefreshInFlight.Dec()
	m.RefreshesTotal.WithLabelValues(result).Inc()
}

// RefreshShared counts a caller that reused an in-flight refresh.
func (m *Metrics) RefreshShared() {
	if m == nil {
		return
	}
	m.RefreshWaiters.Inc()
}

// RecordUpstreamError increments the upstream error counter.
func (m *Metrics) RecordUpstreamError(kind string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(kind).Inc()
}

// MediaStreamOpened tracks a new media stream.
func (m *Metrics) MediaStreamOpened() {
	if m == nil {
		return
	}
	m.MediaStreams.Inc()
}

// MediaStreamClosed tracks the end of a media stream.
func (m *Metrics) MediaStreamClosed(aborted bool) {
	if m == nil {
		return
	}
	m.MediaStreams.Dec()
	if aborted {
		m.MediaAbortsTotal.Inc()
	}
}
