package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "teleconsult" {
		t.Errorf("expected service name 'teleconsult', got '%s'", cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Error("tracing must be disabled by default")
	}
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown of disabled provider failed: %v", err)
	}
}

func TestTraceNegotiation_RecordsAttributesAndErrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	ctx, span := TraceNegotiation(context.Background(), "offer", "consultation-1", "doctor")
	AddSpanAttributes(ctx, StateKey.String("offering"))
	RecordError(ctx, errors.New("boom"))
	MeasureDuration(ctx, time.Now(), "offer")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name() != "negotiation.offer" {
		t.Errorf("unexpected span name %q", got.Name())
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range got.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs[RoomIDKey].AsString() != "consultation-1" {
		t.Errorf("room attribute missing: %v", attrs)
	}
	if attrs[StateKey].AsString() != "offering" {
		t.Errorf("state attribute missing: %v", attrs)
	}
	if len(got.Events()) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestSpanHelpers_NoProvider(t *testing.T) {
	ctx := context.Background()
	_, span := TraceHTTPRequest(ctx, "GET", "/api/v1/rooms")
	span.End()
	_, span = TraceSignalMessage(ctx, "offer", "room", "participant")
	span.End()
	_, span = TraceRedisOperation(ctx, "publish", "teleconsult:room:1")
	span.End()
	RecordError(ctx, nil)
}
