package kafkax

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestPartitionForIsDeterministic(t *testing.T) {
	key := []byte("5b1e8f0c-4a6e-4e2b-9a43-3a7c6f1d2e90")
	first := PartitionFor(key, 12)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, PartitionFor(key, 12))
	}
	require.GreaterOrEqual(t, first, 0)
	require.Less(t, first, 12)
	require.Equal(t, 0, PartitionFor(key, 1))
}

func TestExplicitPartition(t *testing.T) {
	require.Equal(t, 3, ExplicitPartition.Balance(kafka.Message{Partition: 3, Key: []byte("k")}, 0, 1, 2, 3))

	fallback := ExplicitPartition.Balance(kafka.Message{Partition: 9, Key: []byte("k")}, 0, 1, 2, 3)
	require.Equal(t, PartitionFor([]byte("k"), 4), fallback)
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	}))

	headers := InjectTraceHeaders(ctx, []kafka.Header{{Key: TransactionIdentifierHeader, Value: []byte("tx-1")}})
	require.Len(t, headers, 2)

	msg := kafka.Message{Topic: "project-events", Partition: 2, Offset: 7, Headers: headers}
	got := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), msg))
	require.Equal(t, traceID, got.TraceID())

	meta := ExtractMeta(msg)
	require.Equal(t, Meta{Topic: "project-events", Partition: 2, Offset: 7, TransactionIdentifier: "tx-1"}, meta)
}

func TestSplitBrokers(t *testing.T) {
	require.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	require.Nil(t, SplitBrokers(""))
}
