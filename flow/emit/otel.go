package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g., "node_started", "lock_lost")
//   - Attributes: instance id, node key/id, and all event.Meta fields
//   - Status: set to error when event.Meta["error"] exists
//
// Spans are ended immediately: events represent points in time, not
// durations. A "duration_ms" meta field is carried as an attribute.
//
// Usage:
//
//	tracer := otel.Tracer("flowline")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates a new OTelEmitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates an OpenTelemetry span for the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	o.applyAttributes(span, event)
}

// EmitBatch creates spans for multiple events under one context, letting the
// batch span processor export them together. Useful when draining a
// BufferedEmitter into tracing at shutdown.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.applyAttributes(span, event)
		span.End()
	}
	return nil
}

// Flush forces export of all pending spans. Call before shutdown so buffered
// spans reach the backend; a noop provider flushes trivially.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) applyAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("flowline.instance_id", event.InstanceID),
		attribute.String("flowline.node_key", event.NodeKey),
		attribute.String("flowline.node_id", event.NodeID),
	)

	for key, value := range event.Meta {
		attrKey := "flowline." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Float64(attrKey+"_ms", float64(v.Milliseconds())))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}
