package connect

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectMetricsOnce     sync.Once
	connectMetricsInstance *Metrics
)

// Metrics holds the Prometheus metrics for agent registration.
type Metrics struct {
	Outcomes       *prometheus.CounterVec // wgingress_connect_requests_total{result}
	DriverFailures prometheus.Counter
}

// InitMetrics registers the connect metrics with registry, or the default
// registerer when nil. Only the first call registers.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	connectMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		connectMetricsInstance = &Metrics{
			Outcomes: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "wgingress_connect_requests_total",
				Help: "Agent connect requests by result",
			}, []string{"result"}),
			DriverFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "wgingress_connect_driver_failures_total",
				Help: "Peers that could not be added to the interface",
			}),
		}
	})
	return connectMetricsInstance
}

func metrics() *Metrics { return InitMetrics(nil) }
