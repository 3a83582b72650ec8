package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "forward_iterations_total", Help: "Forward-test iterations by outcome"},
		[]string{"outcome"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "forward_orders_total", Help: "Orders submitted to the broker"},
		[]string{"direction"},
	)
	OrderFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "forward_order_failures_total", Help: "Order submissions rejected by the broker"},
	)
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "forward_active_runs", Help: "Forward-test runs currently driven"},
	)
)

func init() {
	prometheus.MustRegister(IterationsTotal, OrdersTotal, OrderFailuresTotal, ActiveRuns)
}

// Serve exposes /metrics on its own listener and returns the server so
// the caller can shut it down.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
