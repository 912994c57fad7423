package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const orchestratorTracerName = "agentsquad-orchestrator"

func orchestratorTracer() trace.Tracer {
	return Tracer(orchestratorTracerName)
}

// TraceTransition creates a span for one FSM step driven by the
// orchestrator.
func TraceTransition(ctx context.Context, executionID string, from, to string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "orchestrator.transition",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("execution_id", executionID),
		attribute.String("from_state", from),
		attribute.String("to_state", to),
	)
	return ctx, span
}

// TraceDispatch creates a span around a single dispatched task_assignment
// or agent message.
func TraceDispatch(ctx context.Context, executionID, senderID, recipientID, messageType string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "orchestrator.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	span.SetAttributes(
		attribute.String("execution_id", executionID),
		attribute.String("sender_id", senderID),
		attribute.String("recipient_id", recipientID),
		attribute.String("message_type", messageType),
	)
	return ctx, span
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
