// Package observability wires tracing and metrics into the fx graph.
package observability

import (
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/observability/metrics"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(
		newMetricsConfig,
		newHTTPMetrics,
		newDispatchMetrics,
	),
	fx.Invoke(registerTracing),
)

func newMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Environment,
	}
}

func newHTTPMetrics(cfg metrics.Config) (*metrics.HTTPMetrics, error) {
	return metrics.NewHTTPMetrics(cfg, otel.GetMeterProvider())
}

func newDispatchMetrics(cfg metrics.Config) *metrics.DispatchMetrics {
	return metrics.DispatchWithConfig(cfg)
}

func registerTracing(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) error {
	_, err := tracing.NewProvider(lc, tracing.Config{
		Enabled:          cfg.Telemetry.Enabled,
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   "1.0",
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExporterProtocol: cfg.Telemetry.ExporterProtocol,
		SamplingRatio:    cfg.Telemetry.SamplingRatio,
	}, log.Named("tracing"))
	return err
}
