package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoOpTracer(t *testing.T) {
	ctx := context.Background()
	got, end := NoOpTracer{}.StartSpan(ctx, "noop")
	require.Equal(t, ctx, got)
	end(nil)
	end(errors.New("ignored"))
}

func TestSimpleTracerRecordsSpan(t *testing.T) {
	tracer := NewSimpleTracer()

	_, end := tracer.StartSpan(context.Background(), SpanHandshake,
		WithSpanKind(SpanKindClient),
		WithAttribute(AttrCipherSuite, "AES-256-GCM"))
	end(nil)

	spans := tracer.Spans()
	require.Len(t, spans, 1)
	require.Equal(t, SpanHandshake, spans[0].Name)
	require.Equal(t, SpanKindClient, spans[0].Kind)
	require.Equal(t, "AES-256-GCM", spans[0].Attributes[AttrCipherSuite])
	require.NoError(t, spans[0].Err)
}

func TestSimpleTracerErrorAndDoubleEnd(t *testing.T) {
	tracer := NewSimpleTracer()
	boom := errors.New("boom")

	_, end := tracer.StartSpan(context.Background(), SpanConnect)
	end(boom)
	end(nil)

	spans := tracer.Spans()
	require.Len(t, spans, 1)
	require.ErrorIs(t, spans[0].Err, boom)
}

func TestSimpleTracerParenting(t *testing.T) {
	tracer := NewSimpleTracer()

	ctx, endParent := tracer.StartSpan(context.Background(), SpanEnterChat)
	_, endChild := tracer.StartSpan(ctx, SpanHistoryDecode)
	endChild(nil)
	endParent(nil)

	spans := tracer.Spans()
	require.Len(t, spans, 2)
	child, parent := spans[0], spans[1]
	require.Equal(t, parent.SpanID, child.ParentID)
	require.Equal(t, parent.TraceID, child.TraceID)
	require.Empty(t, parent.ParentID)

	tracer.Reset()
	require.Empty(t, tracer.Spans())
}

func TestGlobalTracer(t *testing.T) {
	prev := GetTracer()
	t.Cleanup(func() { SetTracer(prev) })

	tracer := NewSimpleTracer()
	SetTracer(tracer)
	_, end := StartSpan(context.Background(), SpanRequest)
	end(nil)
	require.Len(t, tracer.Spans(), 1)
}

func TestOTelTracerStartsSpans(t *testing.T) {
	tracer := NewOTelTracer("")
	_, end := tracer.StartSpan(context.Background(), SpanConnect, WithAttribute(AttrRemoteAddr, "127.0.0.1:1"))
	end(nil)
	_ = OTelEnabled()
}
