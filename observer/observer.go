// Package observer provides OTEL-based observability for the workflow
// runtime. It implements pipewise.Tracer and pipewise.Recorder over
// OpenTelemetry trace, metric, and log providers with OTLP HTTP exporters.
// Users export to any OTEL-compatible backend by setting standard OTEL env
// vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/pipewise/pipewise/observer"

// Instruments holds all OTEL instruments used by the recorder.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	WorkflowsStarted   metric.Int64Counter
	WorkflowsCompleted metric.Int64Counter
	Handoffs           metric.Int64Counter
	ToolInvocations    metric.Int64Counter
	MCPDisconnects     metric.Int64Counter
	MCPReconnects      metric.Int64Counter
	MemoryWrites       metric.Int64Counter
	LLMRetries         metric.Int64Counter

	// Histograms
	WorkflowDuration metric.Float64Histogram
	ToolDuration     metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("pipewise")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	workflowsStarted, err := meter.Int64Counter("workflow.started",
		metric.WithDescription("Workflows started"),
		metric.WithUnit("{workflow}"))
	if err != nil {
		return nil, err
	}
	workflowsCompleted, err := meter.Int64Counter("workflow.completed",
		metric.WithDescription("Workflows finished, by status"),
		metric.WithUnit("{workflow}"))
	if err != nil {
		return nil, err
	}
	handoffs, err := meter.Int64Counter("handoff.performed",
		metric.WithDescription("Agent handoffs performed"),
		metric.WithUnit("{handoff}"))
	if err != nil {
		return nil, err
	}
	toolInvocations, err := meter.Int64Counter("tool.invocations",
		metric.WithDescription("Tool invocation count"),
		metric.WithUnit("{invocation}"))
	if err != nil {
		return nil, err
	}
	mcpDisconnects, err := meter.Int64Counter("mcp.disconnects",
		metric.WithDescription("MCP server disconnect count"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	mcpReconnects, err := meter.Int64Counter("mcp.reconnects",
		metric.WithDescription("MCP server reconnect count"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	memoryWrites, err := meter.Int64Counter("memory.records.saved",
		metric.WithDescription("Memory records saved, by store"),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}
	llmRetries, err := meter.Int64Counter("llm.retries",
		metric.WithDescription("LLM call retry count"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, err
	}
	workflowDuration, err := meter.Float64Histogram("workflow.duration",
		metric.WithDescription("Workflow duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool invocation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             otel.Tracer(scopeName),
		Meter:              meter,
		Logger:             global.GetLoggerProvider().Logger(scopeName),
		WorkflowsStarted:   workflowsStarted,
		WorkflowsCompleted: workflowsCompleted,
		Handoffs:           handoffs,
		ToolInvocations:    toolInvocations,
		MCPDisconnects:     mcpDisconnects,
		MCPReconnects:      mcpReconnects,
		MemoryWrites:       memoryWrites,
		LLMRetries:         llmRetries,
		WorkflowDuration:   workflowDuration,
		ToolDuration:       toolDuration,
	}, nil
}
