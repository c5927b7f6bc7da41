// Package telemetry exports task and dispatch measurements over OTLP
// HTTP. It is entirely optional: a nil *Telemetry is a valid no-op
// handle, so callers never branch on whether export is configured.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentmgr/internal/config"
)

const scopeName = "github.com/nextlevelbuilder/agentmgr/internal/telemetry"

// Span and metric attribute keys.
var (
	attrSkill    = attribute.Key("task.skill")
	attrStrategy = attribute.Key("task.strategy")
	attrAgent    = attribute.Key("agent.id")
	attrProvider = attribute.Key("agent.provider")
	attrModel    = attribute.Key("agent.model")
)

// Telemetry holds the tracer and instruments. The zero handle (nil)
// performs no work.
type Telemetry struct {
	tracer trace.Tracer

	taskTokens       metric.Int64Counter
	taskCostUnits    metric.Float64Counter
	dispatchRequests metric.Int64Counter
	dispatchDuration metric.Float64Histogram

	shutdown func(context.Context) error
}

// Init builds trace and metric providers with OTLP HTTP exporters.
// Returns nil when telemetry is disabled or has no endpoint.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agentmgr"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(cfg.Endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpointURL(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	t := &Telemetry{
		tracer: tp.Tracer(scopeName),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}

	meter := mp.Meter(scopeName)
	if t.taskTokens, err = meter.Int64Counter("task.tokens",
		metric.WithDescription("Tokens billed across all task responses"),
		metric.WithUnit("{token}")); err != nil {
		return nil, t.abort(ctx, err)
	}
	if t.taskCostUnits, err = meter.Float64Counter("task.cost_units",
		metric.WithDescription("Cost units accumulated by completed tasks")); err != nil {
		return nil, t.abort(ctx, err)
	}
	if t.dispatchRequests, err = meter.Int64Counter("dispatch.requests",
		metric.WithDescription("Provider dispatch count"),
		metric.WithUnit("{request}")); err != nil {
		return nil, t.abort(ctx, err)
	}
	if t.dispatchDuration, err = meter.Float64Histogram("dispatch.duration",
		metric.WithDescription("Provider dispatch wall time"),
		metric.WithUnit("ms")); err != nil {
		return nil, t.abort(ctx, err)
	}
	return t, nil
}

func (t *Telemetry) abort(ctx context.Context, err error) error {
	_ = t.shutdown(ctx)
	return fmt.Errorf("telemetry: create instrument: %w", err)
}

// Shutdown flushes both providers. Safe on a nil handle.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.shutdown(ctx)
}

// TaskSpan opens the task.route span. The finish callback records the
// aggregate counters and closes the span; it must be called exactly
// once.
func (t *Telemetry) TaskSpan(ctx context.Context, skillID, strategy string) (context.Context, func(success bool, tokens int, costUnits float64)) {
	if t == nil {
		return ctx, func(bool, int, float64) {}
	}
	ctx, span := t.tracer.Start(ctx, "task.route", trace.WithAttributes(
		attrSkill.String(skillID),
		attrStrategy.String(strategy),
	))
	return ctx, func(success bool, tokens int, costUnits float64) {
		attrs := metric.WithAttributes(attrSkill.String(skillID), attrStrategy.String(strategy))
		t.taskTokens.Add(ctx, int64(tokens), attrs)
		t.taskCostUnits.Add(ctx, costUnits, attrs)
		if !success {
			span.SetStatus(codes.Error, "task failed")
		}
		span.End()
	}
}

// DispatchSpan opens the agent.dispatch child span. The finish
// callback records the request counter and duration histogram.
func (t *Telemetry) DispatchSpan(ctx context.Context, agentID, provider, model string) (context.Context, func(success bool, start time.Time)) {
	if t == nil {
		return ctx, func(bool, time.Time) {}
	}
	ctx, span := t.tracer.Start(ctx, "agent.dispatch", trace.WithAttributes(
		attrAgent.String(agentID),
		attrProvider.String(provider),
		attrModel.String(model),
	))
	return ctx, func(success bool, start time.Time) {
		attrs := metric.WithAttributes(attrAgent.String(agentID), attrProvider.String(provider))
		t.dispatchRequests.Add(ctx, 1, attrs)
		t.dispatchDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		if !success {
			span.SetStatus(codes.Error, "dispatch failed")
		}
		span.End()
	}
}
