package quill

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer for quill operations.
var tracer = otel.Tracer("github.com/zoobzio/quill")

// Prometheus collectors, registered on the default registry.
var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quill",
		Name:      "attempts_total",
		Help:      "Execution attempts by outcome class (\"ok\" on success).",
	}, []string{"provider", "outcome"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quill",
		Name:      "requests_total",
		Help:      "Logical requests by final outcome.",
	}, []string{"provider", "outcome"})

	rateLimitEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quill",
		Name:      "rate_limit_events_total",
		Help:      "Rate-limit failures recorded in the adaptation tracker.",
	})

	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quill",
		Name:      "negotiation_turns_total",
		Help:      "Negotiation turns by persona and outcome.",
	}, []string{"persona", "outcome"})

	sectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quill",
		Name:      "synthesis_sections_total",
		Help:      "Synthesis sections by outcome.",
	}, []string{"outcome"})
)

// startSpan starts a span for a quill operation.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("quill.cancelled", IsCancelled(err)))
	}
	span.End()
}
