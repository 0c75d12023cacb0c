package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Capstan spans.
var (
	AttrCapabilityID  = attribute.Key("capstan.capability.id")
	AttrCorrelationID = attribute.Key("capstan.correlation.id")
	AttrActor         = attribute.Key("capstan.actor")
	AttrProviderKind  = attribute.Key("capstan.provider.kind")
	AttrMCPServer     = attribute.Key("capstan.mcp.server")
	AttrOrigin        = attribute.Key("capstan.origin")
	AttrOutcome       = attribute.Key("capstan.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (HTTP, MCP, A2A, stream).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
