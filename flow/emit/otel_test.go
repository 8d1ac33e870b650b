package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return exporter, NewOTelEmitter(otel.Tracer("flowline-test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		InstanceID: "wf-001",
		NodeKey:    "validate",
		NodeID:     "tn-01",
		Msg:        NodeStarted,
		Meta: map[string]any{
			"attempt":     1,
			"duration_ms": 12.5,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != NodeStarted {
		t.Errorf("span name = %q, want %q", span.Name, NodeStarted)
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["flowline.instance_id"]; got != "wf-001" {
		t.Errorf("instance_id = %v, want wf-001", got)
	}
	if got := attrs["flowline.node_key"]; got != "validate" {
		t.Errorf("node_key = %v, want validate", got)
	}
	if got := attrs["flowline.attempt"]; got != int64(1) {
		t.Errorf("attempt = %v, want 1", got)
	}
	if got := attrs["flowline.duration_ms"]; got != 12.5 {
		t.Errorf("duration_ms = %v, want 12.5", got)
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		InstanceID: "wf-001",
		NodeKey:    "charge",
		Msg:        NodeFailed,
		Meta:       map[string]any{"error": "downstream unavailable"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status code = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "downstream unavailable" {
		t.Errorf("status description = %q", spans[0].Status.Description)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected a recorded error event on the span")
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	events := []Event{
		{InstanceID: "wf-001", Msg: InstanceStarted},
		{InstanceID: "wf-001", NodeKey: "a", Msg: NodeStarted},
		{InstanceID: "wf-001", NodeKey: "a", Msg: NodeCompleted},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch() error = %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	if spans[0].Name != InstanceStarted || spans[2].Name != NodeCompleted {
		t.Errorf("span names = %s..%s", spans[0].Name, spans[2].Name)
	}
}

func TestOTelEmitter_Flush(t *testing.T) {
	_, emitter := newTestTracer(t)
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}
