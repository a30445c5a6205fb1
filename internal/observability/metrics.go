package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "fishlive_session_state", Help: "1 for the current state of each account session"},
		[]string{"account", "state"},
	)
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fishlive_reconnects_total", Help: "Reconnect attempts"},
		[]string{"account"},
	)
	Heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fishlive_heartbeats_total", Help: "Heartbeat outcomes"},
		[]string{"account", "result"},
	)
	FramesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fishlive_frames_total", Help: "Inbound frame decode outcomes"},
		[]string{"account", "result"},
	)
	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fishlive_frames_dropped_total", Help: "Frames dropped by inbound backpressure"},
		[]string{"account"},
	)
	Replies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fishlive_replies_total", Help: "Replies sent by decision source"},
		[]string{"account", "source"},
	)
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fishlive_deliveries_total", Help: "Delivery outcomes"},
		[]string{"account", "result"},
	)
	Confirms = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fishlive_confirms_total", Help: "Shipment confirmation outcomes"},
		[]string{"account", "result"},
	)
	DedupConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fishlive_dedup_conflicts_total", Help: "Claims skipped because another handler won"},
		[]string{"action"},
	)
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fishlive_token_refresh_total", Help: "Credential refresh outcomes"},
		[]string{"account", "result"},
	)
	AILatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "fishlive_ai_latency_seconds", Help: "AI completion latency"},
	)
	PlatformCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fishlive_platform_calls_total", Help: "Platform HTTP API outcomes"},
		[]string{"api", "result"},
	)
	ControlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fishlive_control_requests_total", Help: "Control API requests"},
		[]string{"endpoint", "status"},
	)

	HostCPUPercent  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fishlive_host_cpu_percent", Help: "Host CPU usage"})
	HostMemPercent  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fishlive_host_mem_percent", Help: "Host memory usage"})
	HostDiskPercent = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fishlive_host_disk_percent", Help: "Host disk usage"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SessionState, Reconnects, Heartbeats, FramesDecoded, FramesDropped,
		Replies, Deliveries, Confirms, DedupConflicts, TokenRefreshes,
		AILatency, PlatformCalls, ControlRequests,
		HostCPUPercent, HostMemPercent, HostDiskPercent,
	)
}

// SetSessionState flips the per-account state gauge so exactly one state
// label reads 1.
func SetSessionState(account, state string) {
	for _, s := range []string{"idle", "connecting", "authenticated", "degraded", "closed"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		SessionState.WithLabelValues(account, s).Set(v)
	}
}
