package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	monitorMetricsOnce     sync.Once
	monitorMetricsInstance *Metrics
)

// Metrics holds the Prometheus metrics for the peer monitor.
type Metrics struct {
	Ticks            prometheus.Counter
	DriverFailures   prometheus.Counter
	OnlinePeers      prometheus.Gauge
	PeerRxBytes      *prometheus.CounterVec // wgingress_peer_rx_bytes_total{peer}
	PeerTxBytes      *prometheus.CounterVec // wgingress_peer_tx_bytes_total{peer}
	FlushFailures    prometheus.Counter
	Transitions      *prometheus.CounterVec // wgingress_peer_transitions_total{state}
	NotifyFailures   prometheus.Counter
	DroppedSnapshots prometheus.Counter
}

// InitMetrics registers the monitor metrics with registry, or the default
// registerer when nil. Only the first call registers.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	monitorMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		f := promauto.With(registry)
		monitorMetricsInstance = &Metrics{
			Ticks: f.NewCounter(prometheus.CounterOpts{
				Name: "wgingress_monitor_ticks_total",
				Help: "Monitor ticks that reached the tunnel driver",
			}),
			DriverFailures: f.NewCounter(prometheus.CounterOpts{
				Name: "wgingress_monitor_driver_failures_total",
				Help: "Ticks skipped because the interface could not be queried",
			}),
			OnlinePeers: f.NewGauge(prometheus.GaugeOpts{
				Name: "wgingress_online_peers",
				Help: "Number of peers with a recent handshake",
			}),
			PeerRxBytes: f.NewCounterVec(prometheus.CounterOpts{
				Name: "wgingress_peer_rx_bytes_total",
				Help: "Bytes received from a peer since hub start",
			}, []string{"peer"}),
			PeerTxBytes: f.NewCounterVec(prometheus.CounterOpts{
				Name: "wgingress_peer_tx_bytes_total",
				Help: "Bytes sent to a peer since hub start",
			}, []string{"peer"}),
			FlushFailures: f.NewCounter(prometheus.CounterOpts{
				Name: "wgingress_usage_flush_failures_total",
				Help: "Per-peer usage flushes that failed and were retried later",
			}),
			Transitions: f.NewCounterVec(prometheus.CounterOpts{
				Name: "wgingress_peer_transitions_total",
				Help: "Online/offline transitions observed",
			}, []string{"state"}),
			NotifyFailures: f.NewCounter(prometheus.CounterOpts{
				Name: "wgingress_notify_failures_total",
				Help: "Webhook deliveries that failed",
			}),
			DroppedSnapshots: f.NewCounter(prometheus.CounterOpts{
				Name: "wgingress_stats_dropped_snapshots_total",
				Help: "Snapshots skipped for subscribers with a full buffer",
			}),
		}
	})
	return monitorMetricsInstance
}

func metrics() *Metrics { return InitMetrics(nil) }
