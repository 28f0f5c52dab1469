package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenrepo/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	metrics "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const requestMeter = "zenrepo-rest"

// HttpMetrics are the instruments of the REST middleware
type HttpMetrics struct {
	Requests         metrics.Int64Counter
	RequestBodySize  metrics.Int64Counter
	ResponseBodySize metrics.Int64Counter
	Duration         metrics.Float64Histogram
}

func NewHttpMetrics(meter metrics.Meter) (*HttpMetrics, error) {
	var errJoin error
	requests, err := meter.Int64Counter("http_requests_total", metrics.WithDescription("Requests served per route, method and status"))
	errJoin = errors.Join(errJoin, err)
	requestBody, err := meter.Int64Counter("http_request_body_size", metrics.WithUnit("By"), metrics.WithDescription("Request body bytes read"))
	errJoin = errors.Join(errJoin, err)
	responseBody, err := meter.Int64Counter("http_response_body_size", metrics.WithUnit("By"), metrics.WithDescription("Response body bytes written"))
	errJoin = errors.Join(errJoin, err)
	duration, err := meter.Float64Histogram("http_request_duration", metrics.WithUnit("ms"), metrics.WithDescription("Time the server took to handle the request, milliseconds"))
	errJoin = errors.Join(errJoin, err)
	if errJoin != nil {
		return nil, fmt.Errorf("failed to create http instruments: %w", errJoin)
	}
	return &HttpMetrics{
		Requests:         requests,
		RequestBodySize:  requestBody,
		ResponseBodySize: responseBody,
		Duration:         duration,
	}, nil
}

type Otel struct {
	Http *HttpMetrics

	meterProvider  *metric.MeterProvider
	tracerprovider *trace.TracerProvider
}

// SetupOtel installs the prometheus backed meter provider and, when enabled, the OTLP tracer provider as globals
func SetupOtel(conf config.Tracing) (*Otel, error) {
	o := Otel{}
	var err error

	o.meterProvider, err = setupMeterProvider(conf.Name)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(o.meterProvider)
	o.Http, err = NewHttpMetrics(o.meterProvider.Meter(requestMeter))
	if err != nil {
		return nil, err
	}
	if conf.Enabled {
		o.tracerprovider, err = setupTraceProvider(conf)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracer: %w", err)
		}
		otel.SetTracerProvider(o.tracerprovider)
	}
	return &o, nil
}

func (o *Otel) Stop(ctx context.Context) {
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
		o.meterProvider = nil
	}
	if o.tracerprovider != nil {
		_ = o.tracerprovider.Shutdown(ctx)
		o.tracerprovider = nil
	}
}

func setupMeterProvider(appName string) (*metric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to set up prometheus exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(appName),
		attribute.String("library.language", "go"),
	))
	if err != nil {
		return nil, err
	}
	return metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	), nil
}
