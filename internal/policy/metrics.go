package policy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyMetricsOnce     sync.Once
	policyMetricsInstance *Metrics
)

// Metrics holds the Prometheus metrics for ruleset synthesis.
type Metrics struct {
	Applies     *prometheus.CounterVec // wgingress_ruleset_applies_total{result}
	SkippedRows prometheus.Counter
}

// InitMetrics registers the policy metrics with registry, or the default
// registerer when nil. Only the first call registers.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	policyMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		policyMetricsInstance = &Metrics{
			Applies: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "wgingress_ruleset_applies_total",
				Help: "Ruleset loads by result",
			}, []string{"result"}),
			SkippedRows: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "wgingress_ruleset_skipped_rows_total",
				Help: "Forward rows left out of a ruleset because they failed validation",
			}),
		}
	})
	return policyMetricsInstance
}

func metrics() *Metrics { return InitMetrics(nil) }
