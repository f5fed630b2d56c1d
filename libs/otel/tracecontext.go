package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceparentHeader is the header stored alongside every outbox row.
const TraceparentHeader = "traceparent"

func TraceContextStrings(ctx context.Context) (traceparent string, tracestate string) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier[TraceparentHeader], carrier["tracestate"]
}

// TraceHeader returns the single correlation header persisted with an
// outbox row. The key is empty when ctx carries no span.
func TraceHeader(ctx context.Context) (key, value string) {
	tp, _ := TraceContextStrings(ctx)
	if tp == "" {
		return "", ""
	}
	return TraceparentHeader, tp
}

func ContextWithTraceContext(ctx context.Context, traceparent string, tracestate string) context.Context {
	if traceparent == "" && tracestate == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{
		TraceparentHeader: traceparent,
		"tracestate":      tracestate,
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
