// Package metrics captures low-cardinality service metrics: HTTP server
// instruments over OpenTelemetry and dispatch pipeline instruments over
// Prometheus.
package metrics

// Config names the emitting service on every instrument.
type Config struct {
	ServiceName string
	Environment string
}
