package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/italypaleale/courier/internal/config"
)

// initMetrics sets the global MeterProvider to one that exports metrics in the Prometheus format.
// It returns nil values if metrics are disabled.
func initMetrics(cfg *config.Config) (http.Handler, io.Closer, error) {
	if !cfg.Metrics {
		return nil, nil, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return handler, meterProviderCloser{mp}, nil
}

type meterProviderCloser struct {
	mp *sdkmetric.MeterProvider
}

func (c meterProviderCloser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.mp.Shutdown(ctx)
}
