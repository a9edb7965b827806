// Package metrics provides Prometheus metrics for diagd.
//
// Features:
//   - Per-stream counters for channel writes, evictions and mirror failures
//   - Gauge of lines held in each channel buffer
//   - Export outcomes by strategy, with durations
//   - IPC request and notification counters
//   - HTTP handler for scraping
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "diagd"

// DurationBuckets are histogram buckets for export durations in seconds.
var DurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds all diagd collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ChannelWrites  *prometheus.CounterVec
	ChannelEvicted *prometheus.CounterVec
	MirrorFailures *prometheus.CounterVec
	BufferedLines  *prometheus.GaugeVec
	ExportsTotal   *prometheus.CounterVec
	ExportDuration *prometheus.HistogramVec
	ActionsTotal   *prometheus.CounterVec
	IPCRequests    *prometheus.CounterVec
	Notifications  *prometheus.CounterVec
	ConfigReloads  prometheus.Counter
	UptimeSeconds  prometheus.GaugeFunc
	BuildInfo      *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry
// together with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	start := time.Now()

	m := &Metrics{
		registry: reg,

		ChannelWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_writes_total",
			Help:      "Lines written to a diagnostics channel",
		}, []string{"stream"}),
		ChannelEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_evictions_total",
			Help:      "Lines evicted from a full channel buffer",
		}, []string{"stream"}),
		MirrorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_mirror_failures_total",
			Help:      "Lines that could not be appended to the mirror file",
		}, []string{"stream"}),
		BufferedLines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_buffered_lines",
			Help:      "Lines currently held in a channel buffer",
		}, []string{"stream"}),
		ExportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Export attempts by strategy and result",
		}, []string{"stream", "strategy", "result"}),
		ExportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_duration_seconds",
			Help:      "Duration of export operations in seconds",
			Buckets:   DurationBuckets,
		}, []string{"strategy"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Share and save actions dispatched by the router",
		}, []string{"action", "stream"}),
		IPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_requests_total",
			Help:      "IPC requests by message type and result",
		}, []string{"type", "result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notices and toasts sent to the desktop",
		}, []string{"kind", "result"}),
		ConfigReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads applied",
		}),
		UptimeSeconds: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the daemon started",
		}, func() float64 { return time.Since(start).Seconds() }),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build version, always 1",
		}, []string{"version"}),
	}

	reg.MustRegister(
		m.ChannelWrites,
		m.ChannelEvicted,
		m.MirrorFailures,
		m.BufferedLines,
		m.ExportsTotal,
		m.ExportDuration,
		m.ActionsTotal,
		m.IPCRequests,
		m.Notifications,
		m.ConfigReloads,
		m.UptimeSeconds,
		m.BuildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetVersion publishes the build version.
func (m *Metrics) SetVersion(version string) {
	if m == nil {
		return
	}
	m.BuildInfo.WithLabelValues(version).Set(1)
}

// RecordWrite records one channel write and the resulting buffer length.
func (m *Metrics) RecordWrite(stream string, buffered int, evicted bool) {
	if m == nil {
		return
	}
	m.ChannelWrites.WithLabelValues(stream).Inc()
	m.BufferedLines.WithLabelValues(stream).Set(float64(buffered))
	if evicted {
		m.ChannelEvicted.WithLabelValues(stream).Inc()
	}
}

// RecordMirrorFailure records a dropped mirror append.
func (m *Metrics) RecordMirrorFailure(stream string) {
	if m == nil {
		return
	}
	m.MirrorFailures.WithLabelValues(stream).Inc()
}

// RecordExport records an export outcome.
func (m *Metrics) RecordExport(stream, strategy string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues(stream, strategy, result(err)).Inc()
	m.ExportDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// RecordAction records a routed action.
func (m *Metrics) RecordAction(action, stream string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(action, stream).Inc()
}

// RecordIPC records an IPC request.
func (m *Metrics) RecordIPC(msgType string, err error) {
	if m == nil {
		return
	}
	m.IPCRequests.WithLabelValues(msgType, result(err)).Inc()
}

// RecordNotification records a desktop notice or toast.
func (m *Metrics) RecordNotification(kind string, err error) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind, result(err)).Inc()
}

// RecordConfigReload records an applied configuration reload.
func (m *Metrics) RecordConfigReload() {
	if m == nil {
		return
	}
	m.ConfigReloads.Inc()
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
