package metrics

import (
	"context"
	"time"
)

// Reasons passed to SessionObserver.OnDrop.
const (
	DropDecode   = "decode"
	DropPolicy   = "policy"
	DropNested   = "nested"
	DropNoRoute  = "no_handler"
	DropProtocol = "protocol"
)

// SessionObserver records tunnel session events into a Collector, a Tracer
// and a Logger. It satisfies the tunnel package's Observer interface.
type SessionObserver struct {
	collector *Collector
	tracer    Tracer
	logger    *Logger
	remote    string
}

// SessionObserverConfig configures a SessionObserver. Nil fields fall back
// to the process-wide collector, tracer and logger.
type SessionObserverConfig struct {
	Collector *Collector
	Tracer    Tracer
	Logger    *Logger
	Remote    string
}

// NewSessionObserver creates a SessionObserver.
func NewSessionObserver(cfg SessionObserverConfig) *SessionObserver {
	if cfg.Collector == nil {
		cfg.Collector = Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = GetTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = GetLogger()
	}
	logger := cfg.Logger.Named("session")
	if cfg.Remote != "" {
		logger = logger.With(Fields{"remote": cfg.Remote})
	}
	return &SessionObserver{
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
		logger:    logger,
		remote:    cfg.Remote,
	}
}

// OnHandshakeStart opens a handshake span and returns the function that
// closes it and records the outcome.
func (o *SessionObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	start := time.Now()
	opts := []SpanOption{WithSpanKind(SpanKindClient)}
	if o.remote != "" {
		opts = append(opts, WithAttribute(AttrRemoteAddr, o.remote))
	}
	ctx, end := o.tracer.StartSpan(ctx, SpanHandshake, opts...)
	o.logger.Debug("awaiting server hello")

	return ctx, func(err error) {
		d := time.Since(start)
		if err != nil {
			o.collector.SessionFailed()
			o.logger.Warn("handshake failed", Fields{"error": err.Error(), "duration": d.String()})
		} else {
			o.collector.RecordHandshakeLatency(d)
			o.collector.SessionStarted()
			o.logger.Info("tunnel established", Fields{"duration": d.String()})
		}
		end(err)
	}
}

// OnSessionEnd records a secure session closing. A nil cause means the
// local side closed it.
func (o *SessionObserver) OnSessionEnd(cause error) {
	o.collector.SessionEnded()
	if cause != nil {
		o.logger.Info("session closed", Fields{"cause": cause.Error()})
		return
	}
	o.logger.Info("session closed")
}

// OnSend records one outbound frame.
func (o *SessionObserver) OnSend(kind string, frameLen int, sealed bool) {
	o.collector.RecordEnvelopeSent(frameLen)
	if sealed {
		o.collector.RecordTunnelSealed()
	} else if kind != "" {
		o.collector.RecordExemptSent()
	}
}

// OnReceive records one inbound frame that was dispatched.
func (o *SessionObserver) OnReceive(kind string, frameLen int, sealed bool) {
	o.collector.RecordEnvelopeReceived(frameLen)
	if sealed {
		o.collector.RecordTunnelOpened()
	} else if kind != "" {
		o.collector.RecordExemptReceived()
	}
}

// OnDrop records an inbound frame that was discarded.
func (o *SessionObserver) OnDrop(reason string, err error) {
	switch reason {
	case DropDecode:
		o.collector.RecordDecodeDrop()
	case DropProtocol:
		o.collector.RecordProtocolError()
	default:
		o.collector.RecordPolicyDrop()
	}
	fields := Fields{"reason": reason}
	if err != nil {
		fields["error"] = err.Error()
	}
	o.logger.Warn("inbound frame dropped", fields)
}

// OnTunnelDecryptError records a secure envelope that failed authentication.
func (o *SessionObserver) OnTunnelDecryptError(err error) {
	o.collector.RecordTunnelDecryptError()
	o.logger.Error("tunnel decrypt failed", ErrorField(err))
}

// OnWriteQueueFull records a send that gave up waiting for queue space.
func (o *SessionObserver) OnWriteQueueFull() {
	o.collector.RecordWriteQueueRejected()
	o.logger.Warn("write queue full")
}

// Logger returns the observer's logger.
func (o *SessionObserver) Logger() *Logger {
	return o.logger
}
