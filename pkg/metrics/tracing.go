package metrics

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Tracer starts spans. Implementations include NoOpTracer, SimpleTracer and,
// when built with the otel tag, an OpenTelemetry adapter.
type Tracer interface {
	// StartSpan starts a span named name and returns a context carrying it
	// together with the function that ends it.
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder)
}

// SpanEnder ends a span. A non-nil error marks the span failed.
type SpanEnder func(err error)

// SpanOption configures a span.
type SpanOption func(*spanConfig)

type spanConfig struct {
	kind       SpanKind
	attributes map[string]interface{}
}

func newSpanConfig(opts []SpanOption) *spanConfig {
	cfg := &spanConfig{kind: SpanKindInternal, attributes: make(map[string]interface{})}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// SpanKind identifies the role of a span.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

// WithSpanKind sets the span kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(c *spanConfig) {
		c.kind = kind
	}
}

// WithAttribute adds one attribute to the span.
func WithAttribute(key string, value interface{}) SpanOption {
	return func(c *spanConfig) {
		c.attributes[key] = value
	}
}

// NoOpTracer discards every span.
type NoOpTracer struct{}

// StartSpan returns ctx unchanged.
func (NoOpTracer) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, SpanEnder) {
	return ctx, func(error) {}
}

// SimpleTracer records finished spans in memory. Used in tests and by the
// CLI's debug output.
type SimpleTracer struct {
	mu     sync.Mutex
	spans  []RecordedSpan
	nextID atomic.Uint64
}

// RecordedSpan is a finished span.
type RecordedSpan struct {
	Name       string
	Start      time.Time
	Duration   time.Duration
	Kind       SpanKind
	Attributes map[string]interface{}
	Err        error
	TraceID    string
	SpanID     string
	ParentID   string
}

// NewSimpleTracer creates an empty SimpleTracer.
func NewSimpleTracer() *SimpleTracer {
	return &SimpleTracer{}
}

// StartSpan starts a span. A span already present in ctx becomes its parent.
func (t *SimpleTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	cfg := newSpanConfig(opts)
	span := &RecordedSpan{
		Name:       name,
		Start:      time.Now(),
		Kind:       cfg.kind,
		Attributes: cfg.attributes,
		SpanID:     strconv.FormatUint(t.nextID.Add(1), 16),
	}
	if parent, ok := ctx.Value(spanContextKey{}).(*RecordedSpan); ok {
		span.ParentID = parent.SpanID
		span.TraceID = parent.TraceID
	} else {
		span.TraceID = span.SpanID
	}

	ctx = context.WithValue(ctx, spanContextKey{}, span)
	var once sync.Once
	return ctx, func(err error) {
		once.Do(func() {
			span.Duration = time.Since(span.Start)
			span.Err = err
			t.mu.Lock()
			t.spans = append(t.spans, *span)
			t.mu.Unlock()
		})
	}
}

// Spans returns a copy of the finished spans in completion order.
func (t *SimpleTracer) Spans() []RecordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RecordedSpan(nil), t.spans...)
}

// Reset discards all finished spans.
func (t *SimpleTracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = nil
}

type spanContextKey struct{}

var (
	globalTracer   Tracer = NoOpTracer{}
	globalTracerMu sync.RWMutex
)

// SetTracer replaces the process-wide tracer.
func SetTracer(t Tracer) {
	globalTracerMu.Lock()
	defer globalTracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the process-wide tracer.
func GetTracer() Tracer {
	globalTracerMu.RLock()
	defer globalTracerMu.RUnlock()
	return globalTracer
}

// StartSpan starts a span on the process-wide tracer.
func StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	return GetTracer().StartSpan(ctx, name, opts...)
}

// DefaultServiceName names the tracer when none is configured.
const DefaultServiceName = "kyberchat"

// Span names.
const (
	SpanConnect       = "kyberchat.connect"
	SpanHandshake     = "kyberchat.tunnel.handshake"
	SpanRequest       = "kyberchat.request"
	SpanKeyExchange   = "kyberchat.e2e.key_exchange"
	SpanSendMessage   = "kyberchat.e2e.send"
	SpanEnterChat     = "kyberchat.chat.enter"
	SpanHistoryDecode = "kyberchat.chat.history"
)

// Span attribute keys.
const (
	AttrKind        = "kyberchat.kind"
	AttrChatID      = "kyberchat.chat_id"
	AttrUserID      = "kyberchat.user_id"
	AttrCipherSuite = "kyberchat.cipher_suite"
	AttrRemoteAddr  = "net.peer.addr"
)
