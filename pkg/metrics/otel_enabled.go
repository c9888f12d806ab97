//go:build otel

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelTracer exports kyberchat spans through OpenTelemetry.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer uses the global provider. An empty name selects
// DefaultServiceName.
func NewOTelTracer(name string) *OTelTracer {
	return NewOTelTracerWithProvider(otel.GetTracerProvider(), name)
}

// NewOTelTracerWithProvider uses tp instead of the global provider.
func NewOTelTracerWithProvider(tp trace.TracerProvider, name string) *OTelTracer {
	if name == "" {
		name = DefaultServiceName
	}
	return &OTelTracer{tracer: tp.Tracer(name)}
}

// StartSpan starts an OpenTelemetry span. Connect, handshake and request
// spans default to the client kind.
func (t *OTelTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	cfg := newSpanConfig(opts)
	kind := trace.SpanKindInternal
	switch {
	case cfg.kind == SpanKindServer:
		kind = trace.SpanKindServer
	case cfg.kind == SpanKindClient, name == SpanConnect, name == SpanHandshake, name == SpanRequest:
		kind = trace.SpanKindClient
	}

	attrs := make([]attribute.KeyValue, 0, len(cfg.attributes))
	for k, v := range cfg.attributes {
		attrs = append(attrs, spanAttribute(k, v))
	}
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		if err == nil {
			span.SetStatus(codes.Ok, "")
		} else {
			span.RecordError(err, trace.WithAttributes(attribute.String("error.type", fmt.Sprintf("%T", err))))
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// OTelEnabled reports whether OpenTelemetry support is built in.
func OTelEnabled() bool {
	return true
}

func spanAttribute(key string, v interface{}) attribute.KeyValue {
	k := attribute.Key(key)
	switch val := v.(type) {
	case int64:
		return k.Int64(val)
	case int:
		return k.Int(val)
	case bool:
		return k.Bool(val)
	case float64:
		return k.Float64(val)
	case string:
		return k.String(val)
	case fmt.Stringer:
		// Kinds and cipher suites.
		return k.String(val.String())
	default:
		return k.String(fmt.Sprint(val))
	}
}
