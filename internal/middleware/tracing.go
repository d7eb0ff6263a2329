package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracing starts a span keyed by {topic, group, offset} around the
// handler invocation and propagates the event's trace_id as a span
// attribute (spec §4.3 item 2).
type Tracing struct {
	Base
	tracer oteltrace.Tracer
}

// NewTracing builds the tracing middleware. A nil tracer falls back to
// the global otel tracer named "cogfabric/bus".
func NewTracing(tracer oteltrace.Tracer) *Tracing {
	if tracer == nil {
		tracer = otel.Tracer("cogfabric/bus")
	}
	return &Tracing{tracer: tracer}
}

func (*Tracing) Name() string { return "tracing" }

func (t *Tracing) BeforeHandle(ctx context.Context, dctx *DeliveryContext) (Verdict, error) {
	spanName := fmt.Sprintf("%s/%s@%d", dctx.Topic, dctx.Group, dctx.Offset)
	attrs := []attribute.KeyValue{
		attribute.String("topic", dctx.Topic),
		attribute.String("group", dctx.Group),
		attribute.Int64("offset", dctx.Offset),
	}
	if dctx.Event != nil {
		attrs = append(attrs, attribute.String("trace_id", dctx.Event.Meta.TraceID))
	}
	_, span := t.tracer.Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
	dctx.span = span
	return Allowed(), nil
}

func (*Tracing) AfterHandle(_ context.Context, dctx *DeliveryContext, handlerErr error) {
	if dctx.span == nil {
		return
	}
	if handlerErr != nil {
		dctx.span.RecordError(handlerErr)
		dctx.span.SetStatus(codes.Error, handlerErr.Error())
	} else {
		dctx.span.SetStatus(codes.Ok, "")
	}
	dctx.span.End()
	dctx.span = nil
}

func (*Tracing) OnError(_ context.Context, dctx *DeliveryContext, err error) {
	if dctx.span == nil {
		return
	}
	dctx.span.RecordError(err)
	dctx.span.SetStatus(codes.Error, err.Error())
	dctx.span.End()
	dctx.span = nil
}
