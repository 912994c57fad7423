package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const busTracerName = "agentsquad-bus"

func busTracer() trace.Tracer {
	return Tracer(busTracerName)
}

// TracePublish creates a span around a single message bus publish call.
func TracePublish(ctx context.Context, subject string, msgType string) (context.Context, trace.Span) {
	ctx, span := busTracer().Start(ctx, "bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	span.SetAttributes(
		attribute.String("subject", subject),
		attribute.String("message_type", msgType),
	)
	return ctx, span
}
