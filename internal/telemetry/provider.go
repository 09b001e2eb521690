// Package telemetry provides OpenTelemetry instrumentation for the sync
// engine, exported in Prometheus format.
package telemetry

import (
	"context"
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider bundles the meter provider with the Prometheus registry the
// HTTP layer scrapes.
type Provider struct {
	MeterProvider metric.MeterProvider
	Registry      *promclient.Registry

	sdkProvider *sdkmetric.MeterProvider
}

// NewProvider creates a Prometheus-backed meter provider. Returns nil if
// metrics are disabled; all instrument wrappers tolerate a nil provider.
func NewProvider(serviceName, serviceVersion string, enabled bool) (*Provider, error) {
	if !enabled {
		return nil, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	return &Provider{
		MeterProvider: provider,
		Registry:      registry,
		sdkProvider:   provider,
	}, nil
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdkProvider == nil {
		return nil
	}
	return p.sdkProvider.Shutdown(ctx)
}
