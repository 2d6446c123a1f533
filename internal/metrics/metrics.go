// Package metrics exposes the pooler's operational counters in Prometheus
// format. These complement the wire-protocol SHOW STATS surface: same
// process, different audience.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveClientConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgshard_active_client_connections",
		Help: "Current number of active client connections.",
	})

	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgshard_queries_total",
		Help: "Queries handled, by backend destination.",
	}, []string{"destination"})

	AdminCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgshard_admin_commands_total",
		Help: "Admin commands dispatched, by command.",
	}, []string{"command"})

	ConfigReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgshard_config_reloads_total",
		Help: "Configuration reload attempts, by outcome.",
	}, []string{"status"})

	ErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgshard_errors_total",
		Help: "Total number of errors encountered.",
	})
)

// Serve exposes /metrics on addr and blocks until the listener fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
