//go:build !otel

package metrics

import "context"

// OTelTracer is a no-op in builds without the otel tag. The CLI refuses
// Tracing = "otel" in that case, see OTelEnabled.
type OTelTracer struct{}

// NewOTelTracer returns the no-op tracer.
func NewOTelTracer(string) *OTelTracer { return &OTelTracer{} }

// StartSpan returns ctx and an ender that does nothing.
func (*OTelTracer) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, SpanEnder) {
	return ctx, func(error) {}
}

// OTelEnabled reports whether OpenTelemetry support is built in.
func OTelEnabled() bool { return false }
