package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	prev := tracer
	tracer = tp.Tracer("test")
	t.Cleanup(func() {
		tracer = prev
		tp.Shutdown(context.Background())
	})
	return recorder
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestInit_WithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "test", "dev", "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() = %v", err)
	}
}

func TestDispatchSpanAttributes(t *testing.T) {
	recorder := useRecorder(t)

	ctx, span := StartSpan(context.Background(), "dispatch.chat")
	AddDispatchAttributes(span, "claude-3-haiku", "anthropic::2023-06-01::claude-3-haiku", "req-1")
	AddAttemptAttributes(span, 7, 2)
	AddOutcomeAttributes(span, "stream_error", 3)
	AddErrorAttribute(span, errors.New("Status 500: boom"))

	if GetTraceID(ctx) == "" {
		t.Error("GetTraceID() empty for a recording span")
	}
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	got := attrs(ended[0])

	if got["model"].AsString() != "claude-3-haiku" || got["request.id"].AsString() != "req-1" {
		t.Errorf("dispatch attributes = %v", got)
	}
	if got["credential.id"].AsInt64() != 7 || got["dispatch.attempt"].AsInt64() != 2 {
		t.Errorf("attempt attributes = %v", got)
	}
	if got["dispatch.outcome"].AsString() != "stream_error" || got["dispatch.deltas"].AsInt64() != 3 {
		t.Errorf("outcome attributes = %v", got)
	}
	if got["error.message"].AsString() != "Status 500: boom" {
		t.Errorf("error.message = %v", got["error.message"])
	}
	if len(ended[0].Events()) == 0 {
		t.Error("error was not recorded as a span event")
	}
}

func TestAddTokenAttributes(t *testing.T) {
	recorder := useRecorder(t)

	_, span := StartSpan(context.Background(), "http.chat_completions")
	AddTokenAttributes(span, 12, 30)
	span.End()

	got := attrs(recorder.Ended()[0])
	if got["tokens.total"].AsInt64() != 42 {
		t.Errorf("tokens.total = %v", got["tokens.total"])
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() = %q, want empty", id)
	}
}
