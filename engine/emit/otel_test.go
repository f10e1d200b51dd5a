package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dshills/targetflow/engine"
)

func TestOtelEmitterEmit(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOtelEmitter(otel.Tracer("test"))
	emitter.Emit(Event{
		TargetID: "target-a",
		Kind:     engine.StartedRunning,
		Msg:      "state_transition",
		Attempts: 1,
		Meta:     map[string]interface{}{"run_handle": "mock-1"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "state_transition" {
		t.Errorf("span name = %q, want %q", span.Name, "state_transition")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["targetflow.target_id"]; got != "target-a" {
		t.Errorf("target_id = %v, want %q", got, "target-a")
	}
	if got := attrs["targetflow.kind"]; got != "Started_running" {
		t.Errorf("kind = %v, want %q", got, "Started_running")
	}
	if got := attrs["targetflow.attempts"]; got != int64(1) {
		t.Errorf("attempts = %v, want 1", got)
	}
	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOtelEmitterEmitWithError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOtelEmitter(otel.Tracer("test"))
	emitter.Emit(Event{
		TargetID: "target-a",
		Kind:     engine.Dead,
		Msg:      "state_transition",
		Meta:     map[string]interface{}{"error": "condition never true"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Errorf("status code = %v, want %v", span.Status.Code, codes.Error)
	}
	if span.Status.Description != "condition never true" {
		t.Errorf("status description = %q", span.Status.Description)
	}
	if len(span.Events) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestOtelEmitterEmitBatch(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOtelEmitter(otel.Tracer("test"))
	events := []Event{
		{TargetID: "t1", Msg: "state_transition"},
		{TargetID: "t1", Msg: "action_dispatched"},
		{TargetID: "t2", Msg: "state_transition"},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
}

func TestOtelEmitterMetadataTypes(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOtelEmitter(otel.Tracer("test"))
	emitter.Emit(Event{
		TargetID: "t1",
		Msg:      "state_transition",
		Meta: map[string]interface{}{
			"string_val":   "hello",
			"int_val":      42,
			"bool_val":     true,
			"duration_val": 250 * time.Millisecond,
		},
	})

	span := exporter.GetSpans()[0]
	attrs := attributeMap(span.Attributes)
	if attrs["string_val"] != "hello" {
		t.Errorf("string_val = %v", attrs["string_val"])
	}
	if attrs["int_val"] != int64(42) {
		t.Errorf("int_val = %v", attrs["int_val"])
	}
	if attrs["bool_val"] != true {
		t.Errorf("bool_val = %v", attrs["bool_val"])
	}
	if attrs["duration_val"] != int64(250) {
		t.Errorf("duration_val = %v, want 250", attrs["duration_val"])
	}
}

func TestOtelEmitterFlush(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOtelEmitter(otel.Tracer("test"))
	emitter.Emit(Event{TargetID: "t1", Msg: "state_transition"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := emitter.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if len(exporter.GetSpans()) != 1 {
		t.Errorf("expected 1 span after flush, got %d", len(exporter.GetSpans()))
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
