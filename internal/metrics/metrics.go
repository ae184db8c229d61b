// Package metrics exposes the generation counters for long runs, served
// when the generate command is given --metrics-addr.
package metrics

import (
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telesim_build_info",
		Help: "Build information of the telesim binary.",
	}, []string{"version", "commit", "date"})

	FactsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telesim_facts_generated_total", Help: "Total transaction facts generated.",
	})
	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telesim_rows_written_total", Help: "Total rows written per table.",
	}, []string{"table"})
	TsoNoise = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telesim_tso_noise_total", Help: "Total TSO call records per linkage noise class.",
	}, []string{"class"})

	GenerateSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telesim_generate_duration_seconds", Help: "Wall time of the last generation run.",
	})
	ValidationFailedChecks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telesim_validation_failed_checks", Help: "Failed checks in the last validation run.",
	})
)

// Serve exposes /metrics and the pprof handlers on addr and blocks until
// the listener fails. Callers run it in a goroutine for the life of the
// process.
func Serve(log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())
	http.Handle("/metrics", promhttp.Handler())
	return http.Serve(listener, nil)
}
