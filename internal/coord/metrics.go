package coord

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// coordMetricsOnce ensures metrics are only initialized once.
var coordMetricsOnce sync.Once

// coordMetricsInstance is the singleton instance of API metrics.
var coordMetricsInstance *CoordMetrics

// CoordMetrics holds all Prometheus metrics for the hub API.
type CoordMetrics struct {
	Requests *prometheus.CounterVec // wgingress_api_requests_total{route,code}

	// Live stats stream clients
	StreamClients *prometheus.GaugeVec // wgingress_stats_stream_clients{transport}
}

// InitCoordMetrics initializes all API metrics.
// Metrics are only registered once; subsequent calls return the same instance.
// If registry is nil, the default Prometheus registry is used.
func InitCoordMetrics(registry prometheus.Registerer) *CoordMetrics {
	coordMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		coordMetricsInstance = &CoordMetrics{
			Requests: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "wgingress_api_requests_total",
				Help: "API requests by route template and status code",
			}, []string{"route", "code"}),

			StreamClients: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name: "wgingress_stats_stream_clients",
				Help: "Connected live stats clients",
			}, []string{"transport"}),
		}
	})

	return coordMetricsInstance
}

func coordMetrics() *CoordMetrics { return InitCoordMetrics(nil) }

// statusRecorder captures the response code. It passes Flush and Hijack
// through so streaming handlers keep working.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	// a hijacked websocket answers 101
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		coordMetrics().Requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}
