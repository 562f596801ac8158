// Package prometheusexp exposes a metrics.Registry in Prometheus text
// format, grounded directly on the teacher's client/metrics/prometheus
// package: one Handler(reg) http.Handler. cmd/gatewayd's readiness/health
// mux does not mount it.
package prometheusexp

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apexlabs/infergate/metrics"
)

// Handler returns an http.Handler that dumps reg in Prometheus exposition
// format.
func Handler(reg *metrics.Registry) http.Handler {
	return promhttp.HandlerFor(reg.Prometheus(), promhttp.HandlerOpts{})
}
