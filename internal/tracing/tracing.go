// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tracing mirrors the audit ledger as OpenTelemetry spans: a
// TracingListener opens a span when a pipeline or step starts and ends it
// when that pipeline or step finishes or fails, recording the error if
// there is one. Audit metrics are not copied onto spans.
package tracing

import (
	"context"
	"fmt"
	"sync"

	"github.com/noldarim/pipelinecore/internal/config"
	"github.com/noldarim/pipelinecore/pkg/pipeline"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Setup builds and registers a global TracerProvider exporting to cfg's
// OTLP endpoint over HTTP. The returned function flushes and shuts the
// provider down; callers should defer it.
func Setup(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("tracing: failed to build OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: failed to build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// TracingListener threads an OTel span for every open audit: PipelineStarted
// opens the pipeline span, each step start opens a child span, and the
// corresponding *Finished/RegisterStepException calls end it. Spans are
// tracked by canonical StateKey since ExecutionContext snapshots are
// immutable and carry no span handles themselves.
type TracingListener struct {
	pipeline.NoopListener
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]spanEntry
}

type spanEntry struct {
	span trace.Span
}

// NewTracingListener builds a listener using the global tracer named
// "pipelinecore".
func NewTracingListener() *TracingListener {
	return &TracingListener{
		tracer: otel.Tracer("pipelinecore"),
		spans:  map[string]spanEntry{},
	}
}

func (l *TracingListener) startSpan(ctx context.Context, key string, name string, attrs ...attribute.KeyValue) {
	_, span := l.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	l.mu.Lock()
	l.spans[key] = spanEntry{span: span}
	l.mu.Unlock()
}

func (l *TracingListener) endSpan(key string, err error) {
	l.mu.Lock()
	entry, ok := l.spans[key]
	if ok {
		delete(l.spans, key)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		entry.span.RecordError(err)
	}
	entry.span.End()
}

func (l *TracingListener) PipelineStarted(ctx *pipeline.ExecutionContext, p *pipeline.Pipeline) (*pipeline.ExecutionContext, error) {
	l.startSpan(context.Background(), "pipeline:"+p.ID, "pipeline."+p.ID, attribute.String("pipeline.id", p.ID))
	return nil, nil
}

func (l *TracingListener) PipelineFinished(ctx *pipeline.ExecutionContext, p *pipeline.Pipeline, result pipeline.ExecutionResult) error {
	l.endSpan("pipeline:"+p.ID, result.Error)
	return nil
}

func (l *TracingListener) PipelineStepStarted(ctx *pipeline.ExecutionContext, p *pipeline.Pipeline, step *pipeline.FlowStep) (*pipeline.ExecutionContext, error) {
	key, _ := ctx.CurrentState()
	parent := context.Background()
	l.mu.Lock()
	if entry, ok := l.spans["pipeline:"+p.ID]; ok {
		parent = trace.ContextWithSpan(parent, entry.span)
	}
	l.mu.Unlock()
	l.startSpan(parent, key.Canonical(), "step."+step.ID,
		attribute.String("step.id", step.ID), attribute.String("step.type", string(step.Type)))
	return nil, nil
}

func (l *TracingListener) PipelineStepFinished(ctx *pipeline.ExecutionContext, p *pipeline.Pipeline, step *pipeline.FlowStep, resp pipeline.StepResponse) (*pipeline.ExecutionContext, error) {
	key, _ := ctx.CurrentState()
	l.endSpan(key.Canonical(), nil)
	return nil, nil
}

func (l *TracingListener) RegisterStepException(ctx *pipeline.ExecutionContext, p *pipeline.Pipeline, step *pipeline.FlowStep, err error) {
	key, _ := ctx.CurrentState()
	l.endSpan(key.Canonical(), err)
}
