package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters from tunnel sessions, the end-to-end layer
// and the chat client.
type Collector struct {
	// Session
	sessionsActive   atomic.Int64
	sessionsTotal    atomic.Uint64
	sessionsFailed   atomic.Uint64
	handshakeLatency *Histogram

	// Envelopes on the wire
	envelopesSent     atomic.Uint64
	envelopesReceived atomic.Uint64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	frameSize         *Histogram

	// Tunnel
	tunnelSealed        atomic.Uint64
	tunnelOpened        atomic.Uint64
	exemptSent          atomic.Uint64
	exemptReceived      atomic.Uint64
	tunnelDecryptErrors atomic.Uint64

	// Dropped inbound frames
	decodeDrops atomic.Uint64
	policyDrops atomic.Uint64

	// Conversation layer
	messagesEncrypted    atomic.Uint64
	messagesDecrypted    atomic.Uint64
	messageDecryptErrors atomic.Uint64
	keyExchangesSent     atomic.Uint64
	keyExchangesReceived atomic.Uint64
	protocolErrors       atomic.Uint64
	writeQueueRejections atomic.Uint64
	responseTimeouts     atomic.Uint64

	createdAt atomic.Int64
	labels    Labels
}

// Labels are constant key-value pairs attached to every exported series.
type Labels map[string]string

// NewCollector creates a collector with the given constant labels.
func NewCollector(labels Labels) *Collector {
	if labels == nil {
		labels = make(Labels)
	}
	c := &Collector{
		handshakeLatency: NewHistogram(HandshakeBuckets),
		frameSize:        NewHistogram(SizeBuckets),
		labels:           labels,
	}
	c.createdAt.Store(time.Now().UnixNano())
	return c
}

// --- Session ---

// SessionStarted records a tunnel that reached the secure state.
func (c *Collector) SessionStarted() {
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionEnded records a secure tunnel closing. The active gauge never goes
// below zero.
func (c *Collector) SessionEnded() {
	for {
		cur := c.sessionsActive.Load()
		if cur <= 0 || c.sessionsActive.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// SessionFailed records a handshake or connect failure.
func (c *Collector) SessionFailed() { c.sessionsFailed.Add(1) }

// RecordHandshakeLatency records the duration of a completed handshake.
func (c *Collector) RecordHandshakeLatency(d time.Duration) {
	c.handshakeLatency.Observe(float64(d.Microseconds()) / 1000)
}

// --- Traffic ---

// RecordEnvelopeSent records one outer frame of n bytes written.
func (c *Collector) RecordEnvelopeSent(n int) {
	c.envelopesSent.Add(1)
	c.bytesSent.Add(uint64(n))
	c.frameSize.Observe(float64(n))
}

// RecordEnvelopeReceived records one outer frame of n bytes read.
func (c *Collector) RecordEnvelopeReceived(n int) {
	c.envelopesReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
	c.frameSize.Observe(float64(n))
}

// RecordTunnelSealed records an envelope wrapped for the tunnel.
func (c *Collector) RecordTunnelSealed() { c.tunnelSealed.Add(1) }

// RecordTunnelOpened records a tunnel envelope unwrapped successfully.
func (c *Collector) RecordTunnelOpened() { c.tunnelOpened.Add(1) }

// RecordExemptSent records an envelope sent in the clear because its kind
// is exempt from the tunnel.
func (c *Collector) RecordExemptSent() { c.exemptSent.Add(1) }

// RecordExemptReceived records an exempt envelope accepted in the clear.
func (c *Collector) RecordExemptReceived() { c.exemptReceived.Add(1) }

// RecordTunnelDecryptError records a tunnel envelope that failed to open.
func (c *Collector) RecordTunnelDecryptError() { c.tunnelDecryptErrors.Add(1) }

// RecordDecodeDrop records an inbound line dropped because it did not parse.
func (c *Collector) RecordDecodeDrop() { c.decodeDrops.Add(1) }

// RecordPolicyDrop records an inbound envelope dropped because it arrived in
// the clear while the tunnel was secure, or was nested.
func (c *Collector) RecordPolicyDrop() { c.policyDrops.Add(1) }

// RecordProtocolError records an unexpected message for the current state.
func (c *Collector) RecordProtocolError() { c.protocolErrors.Add(1) }

// RecordWriteQueueRejected records a send refused because the queue was full.
func (c *Collector) RecordWriteQueueRejected() { c.writeQueueRejections.Add(1) }

// RecordResponseTimeout records a request that got no reply in time.
func (c *Collector) RecordResponseTimeout() { c.responseTimeouts.Add(1) }

// --- Conversation ---

// RecordMessageEncrypted records a message body sealed under a conversation key.
func (c *Collector) RecordMessageEncrypted() { c.messagesEncrypted.Add(1) }

// RecordMessageDecrypted records a message body opened successfully.
func (c *Collector) RecordMessageDecrypted() { c.messagesDecrypted.Add(1) }

// RecordMessageDecryptError records a message body that could not be opened.
func (c *Collector) RecordMessageDecryptError() { c.messageDecryptErrors.Add(1) }

// RecordKeyExchangeSent records a conversation key distributed to peers.
func (c *Collector) RecordKeyExchangeSent() { c.keyExchangesSent.Add(1) }

// RecordKeyExchangeReceived records a conversation key received from a peer.
func (c *Collector) RecordKeyExchangeReceived() { c.keyExchangesReceived.Add(1) }

// --- Snapshot ---

// Snapshot is a point-in-time copy of every collector value.
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	SessionsActive int64
	SessionsTotal  uint64
	SessionsFailed uint64

	EnvelopesSent     uint64
	EnvelopesReceived uint64
	BytesSent         uint64
	BytesReceived     uint64

	TunnelSealed        uint64
	TunnelOpened        uint64
	ExemptSent          uint64
	ExemptReceived      uint64
	TunnelDecryptErrors uint64

	DecodeDrops uint64
	PolicyDrops uint64

	MessagesEncrypted    uint64
	MessagesDecrypted    uint64
	MessageDecryptErrors uint64
	KeyExchangesSent     uint64
	KeyExchangesReceived uint64

	ProtocolErrors       uint64
	WriteQueueRejections uint64
	ResponseTimeouts     uint64

	HandshakeLatency HistogramSummary
	FrameSize        HistogramSummary

	Labels Labels
}

// Snapshot returns the current values.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		Timestamp:            now,
		Uptime:               now.Sub(time.Unix(0, c.createdAt.Load())),
		SessionsActive:       c.sessionsActive.Load(),
		SessionsTotal:        c.sessionsTotal.Load(),
		SessionsFailed:       c.sessionsFailed.Load(),
		EnvelopesSent:        c.envelopesSent.Load(),
		EnvelopesReceived:    c.envelopesReceived.Load(),
		BytesSent:            c.bytesSent.Load(),
		BytesReceived:        c.bytesReceived.Load(),
		TunnelSealed:         c.tunnelSealed.Load(),
		TunnelOpened:         c.tunnelOpened.Load(),
		ExemptSent:           c.exemptSent.Load(),
		ExemptReceived:       c.exemptReceived.Load(),
		TunnelDecryptErrors:  c.tunnelDecryptErrors.Load(),
		DecodeDrops:          c.decodeDrops.Load(),
		PolicyDrops:          c.policyDrops.Load(),
		MessagesEncrypted:    c.messagesEncrypted.Load(),
		MessagesDecrypted:    c.messagesDecrypted.Load(),
		MessageDecryptErrors: c.messageDecryptErrors.Load(),
		KeyExchangesSent:     c.keyExchangesSent.Load(),
		KeyExchangesReceived: c.keyExchangesReceived.Load(),
		ProtocolErrors:       c.protocolErrors.Load(),
		WriteQueueRejections: c.writeQueueRejections.Load(),
		ResponseTimeouts:     c.responseTimeouts.Load(),
		HandshakeLatency:     c.handshakeLatency.Summary(),
		FrameSize:            c.frameSize.Summary(),
		Labels:               c.labels,
	}
}

// Reset zeroes every value. Intended for tests.
func (c *Collector) Reset() {
	for _, v := range []*atomic.Uint64{
		&c.sessionsTotal, &c.sessionsFailed,
		&c.envelopesSent, &c.envelopesReceived, &c.bytesSent, &c.bytesReceived,
		&c.tunnelSealed, &c.tunnelOpened, &c.exemptSent, &c.exemptReceived, &c.tunnelDecryptErrors,
		&c.decodeDrops, &c.policyDrops,
		&c.messagesEncrypted, &c.messagesDecrypted, &c.messageDecryptErrors,
		&c.keyExchangesSent, &c.keyExchangesReceived,
		&c.protocolErrors, &c.writeQueueRejections, &c.responseTimeouts,
	} {
		v.Store(0)
	}
	c.sessionsActive.Store(0)
	c.handshakeLatency.Reset()
	c.frameSize.Reset()
	c.createdAt.Store(time.Now().UnixNano())
}

// --- Global Collector ---

var (
	globalMu        sync.RWMutex
	globalCollector *Collector
)

// Global returns the process-wide collector, creating it on first use.
func Global() *Collector {
	globalMu.RLock()
	c := globalCollector
	globalMu.RUnlock()
	if c != nil {
		return c
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(Labels{"instance": "default"})
	}
	return globalCollector
}

// SetGlobal replaces the process-wide collector.
func SetGlobal(c *Collector) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = c
}
