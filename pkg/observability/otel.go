// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
)

// NewOTelProvider builds a TracerProvider backed by the OpenTelemetry Go
// SDK, batching spans to a stdouttrace exporter, and a MeterProvider
// backed by the OTel Prometheus exporter. A single-process host with no
// collector has nowhere else useful to send spans; piping w to a
// log-aggregated file is enough to inspect a run's trace tree. Metrics
// are exposed for scraping via MetricsHandler rather than pushed.
func NewOTelProvider(serviceName string, w io.Writer) (*OTelProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("observability: build stdout exporter: %w", err)
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("observability: build prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	return &OTelProvider{sdk: sdk, mp: mp}, nil
}

// OTelProvider is the concrete TracerProvider implementation used outside
// of tests: every Tracer it hands out emits real OpenTelemetry spans, and
// every Meter it hands out is scraped through MetricsHandler.
type OTelProvider struct {
	sdk *sdktrace.TracerProvider
	mp  *sdkmetric.MeterProvider
}

func (p *OTelProvider) Tracer(name string) Tracer {
	return &otelTracer{tracer: p.sdk.Tracer(name)}
}

// Meter returns an OTel meter for recording counters and histograms.
func (p *OTelProvider) Meter(name string) otelmetric.Meter {
	return p.mp.Meter(name)
}

// MetricsHandler serves the metrics recorded against Meter in Prometheus
// exposition format. The OTel Prometheus exporter registers against the
// default Prometheus registry, so this is just promhttp.Handler().
func (p *OTelProvider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (p *OTelProvider) Shutdown(ctx context.Context) error {
	if err := p.sdk.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}

func (p *OTelProvider) ForceFlush(ctx context.Context) error {
	if err := p.sdk.ForceFlush(ctx); err != nil {
		return err
	}
	return p.mp.ForceFlush(ctx)
}

type otelTracer struct {
	tracer oteltrace.Tracer
}

func (t *otelTracer) Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanHandle) {
	cfg := &SpanConfig{}
	for _, o := range opts {
		o.ApplySpanOption(cfg)
	}

	startOpts := []oteltrace.SpanStartOption{oteltrace.WithSpanKind(toOtelKind(cfg.SpanKind))}
	if len(cfg.Attributes) > 0 {
		startOpts = append(startOpts, oteltrace.WithAttributes(toOtelAttrs(cfg.Attributes)...))
	}
	if cfg.Timestamp != nil {
		startOpts = append(startOpts, oteltrace.WithTimestamp(time.Unix(0, *cfg.Timestamp)))
	}

	ctx, span := t.tracer.Start(ctx, name, startOpts...)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) End(opts ...SpanEndOption) {
	cfg := &SpanEndConfig{}
	for _, o := range opts {
		o.ApplySpanEndOption(cfg)
	}
	var endOpts []oteltrace.SpanEndOption
	if cfg.Timestamp != nil {
		endOpts = append(endOpts, oteltrace.WithTimestamp(time.Unix(0, *cfg.Timestamp)))
	}
	s.span.End(endOpts...)
}

func (s *otelSpan) SetStatus(code StatusCode, message string) {
	s.span.SetStatus(toOtelCode(code), message)
}

func (s *otelSpan) SetAttributes(attrs map[string]any) {
	s.span.SetAttributes(toOtelAttrs(attrs)...)
}

func (s *otelSpan) AddEvent(name string, attrs map[string]any) {
	s.span.AddEvent(name, oteltrace.WithAttributes(toOtelAttrs(attrs)...))
}

func (s *otelSpan) SpanContext() TraceContext {
	sc := s.span.SpanContext()
	return TraceContext{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		TraceFlags: byte(sc.TraceFlags()),
		TraceState: sc.TraceState().String(),
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func toOtelKind(k SpanKind) oteltrace.SpanKind {
	switch k {
	case SpanKindClient:
		return oteltrace.SpanKindClient
	case SpanKindServer:
		return oteltrace.SpanKindServer
	case SpanKindProducer:
		return oteltrace.SpanKindProducer
	case SpanKindConsumer:
		return oteltrace.SpanKindConsumer
	default:
		return oteltrace.SpanKindInternal
	}
}

func toOtelCode(c StatusCode) codes.Code {
	switch c {
	case StatusCodeOK:
		return codes.Ok
	case StatusCodeError:
		return codes.Error
	default:
		return codes.Unset
	}
}

func toOtelAttrs(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return out
}
