// Package obs はメトリクス収集を提供する。
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はDRMホストのPrometheusメトリクスを保持する。
type Metrics struct {
	SessionsOpen    prometheus.Gauge
	OpenTotal       *prometheus.CounterVec
	ReclaimTotal    *prometheus.CounterVec
	PluginLoadTotal *prometheus.CounterVec
	NotifyTotal     *prometheus.CounterVec
}

// NewMetrics はメトリクスを生成してregに登録する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drmhost_sessions_open",
			Help: "Number of currently open plugin sessions.",
		}),
		OpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drmhost_session_open_total",
			Help: "Session open attempts by result.",
		}, []string{"result"}),
		ReclaimTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drmhost_reclaim_total",
			Help: "Session reclamation attempts by result.",
		}, []string{"result"}),
		PluginLoadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drmhost_plugin_load_total",
			Help: "Plugin factory resolutions by source.",
		}, []string{"source"}),
		NotifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drmhost_listener_notify_total",
			Help: "Listener notifications by event type.",
		}, []string{"event"}),
	}
	reg.MustRegister(m.SessionsOpen, m.OpenTotal, m.ReclaimTotal, m.PluginLoadTotal, m.NotifyTotal)
	return m
}
