package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for agent core spans.
var (
	AttrAgentID       = attribute.Key("agentcore.agent.id")
	AttrTaskID        = attribute.Key("agentcore.task.id")
	AttrTaskLane      = attribute.Key("agentcore.task.lane")
	AttrTaskOutcome   = attribute.Key("agentcore.task.outcome")
	AttrToolName      = attribute.Key("agentcore.tool.name")
	AttrModel         = attribute.Key("agentcore.llm.model")
	AttrTokensInput   = attribute.Key("agentcore.llm.tokens.input")
	AttrTokensOutput  = attribute.Key("agentcore.llm.tokens.output")
	AttrLoopID        = attribute.Key("agentcore.loop.id")
	AttrLoopStep      = attribute.Key("agentcore.loop.step")
	AttrProviderID    = attribute.Key("agentcore.provider.id")
	AttrFailoverReason = attribute.Key("agentcore.failover.reason")
	AttrSessionID     = attribute.Key("agentcore.session.id")
	AttrTokenDirection = attribute.Key("agentcore.llm.tokens.direction")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, provider HTTP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
