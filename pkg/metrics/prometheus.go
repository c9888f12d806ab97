package metrics

import (
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every exported series.
const DefaultNamespace = "kyberchat"

type promSeries struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(Snapshot) float64
}

// PrometheusExporter exposes a Collector as a prometheus.Collector. Values
// are read from a fresh Snapshot on every scrape.
type PrometheusExporter struct {
	collector *Collector
	series    []promSeries

	handshake *prometheus.Desc
	frameSize *prometheus.Desc
}

// NewPrometheusExporter creates an exporter for c. The namespace is
// prepended to every metric name; an empty namespace selects
// DefaultNamespace.
func NewPrometheusExporter(c *Collector, namespace string) *PrometheusExporter {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	constLabels := prometheus.Labels(c.labels)

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, constLabels)
	}
	counter := func(name, help string, v func(Snapshot) uint64) promSeries {
		return promSeries{desc(name, help), prometheus.CounterValue, func(s Snapshot) float64 { return float64(v(s)) }}
	}

	e := &PrometheusExporter{
		collector: c,
		handshake: desc("handshake_duration_milliseconds", "Tunnel handshake duration."),
		frameSize: desc("frame_size_bytes", "Encoded frame size on the wire."),
	}
	e.series = []promSeries{
		{desc("sessions_active", "Tunnel sessions currently secure."), prometheus.GaugeValue,
			func(s Snapshot) float64 { return float64(s.SessionsActive) }},
		{desc("uptime_seconds", "Seconds since the collector was created."), prometheus.GaugeValue,
			func(s Snapshot) float64 { return s.Uptime.Seconds() }},

		counter("sessions_total", "Tunnel sessions that reached the secure state.", func(s Snapshot) uint64 { return s.SessionsTotal }),
		counter("sessions_failed_total", "Connect attempts that failed.", func(s Snapshot) uint64 { return s.SessionsFailed }),

		counter("envelopes_sent_total", "Frames written.", func(s Snapshot) uint64 { return s.EnvelopesSent }),
		counter("envelopes_received_total", "Frames dispatched.", func(s Snapshot) uint64 { return s.EnvelopesReceived }),
		counter("bytes_sent_total", "Bytes written.", func(s Snapshot) uint64 { return s.BytesSent }),
		counter("bytes_received_total", "Bytes of dispatched frames.", func(s Snapshot) uint64 { return s.BytesReceived }),

		counter("tunnel_sealed_total", "Envelopes sealed into the session tunnel.", func(s Snapshot) uint64 { return s.TunnelSealed }),
		counter("tunnel_opened_total", "Secure envelopes opened.", func(s Snapshot) uint64 { return s.TunnelOpened }),
		counter("exempt_sent_total", "Envelopes written in the clear.", func(s Snapshot) uint64 { return s.ExemptSent }),
		counter("exempt_received_total", "Exempt envelopes received in the clear.", func(s Snapshot) uint64 { return s.ExemptReceived }),
		counter("tunnel_decrypt_errors_total", "Secure envelopes that failed authentication.", func(s Snapshot) uint64 { return s.TunnelDecryptErrors }),

		counter("decode_drops_total", "Inbound frames dropped as undecodable.", func(s Snapshot) uint64 { return s.DecodeDrops }),
		counter("policy_drops_total", "Inbound frames dropped by tunnel policy.", func(s Snapshot) uint64 { return s.PolicyDrops }),
		counter("protocol_errors_total", "Protocol violations observed.", func(s Snapshot) uint64 { return s.ProtocolErrors }),
		counter("write_queue_rejections_total", "Sends abandoned while the write queue was full.", func(s Snapshot) uint64 { return s.WriteQueueRejections }),
		counter("response_timeouts_total", "Requests that timed out waiting for a response.", func(s Snapshot) uint64 { return s.ResponseTimeouts }),

		counter("messages_encrypted_total", "Conversation messages sealed end to end.", func(s Snapshot) uint64 { return s.MessagesEncrypted }),
		counter("messages_decrypted_total", "Conversation messages opened.", func(s Snapshot) uint64 { return s.MessagesDecrypted }),
		counter("message_decrypt_errors_total", "Conversation messages that failed to open.", func(s Snapshot) uint64 { return s.MessageDecryptErrors }),
		counter("key_exchanges_sent_total", "Conversation keys distributed.", func(s Snapshot) uint64 { return s.KeyExchangesSent }),
		counter("key_exchanges_received_total", "Conversation keys received.", func(s Snapshot) uint64 { return s.KeyExchangesReceived }),
	}
	return e
}

// Describe implements prometheus.Collector.
func (e *PrometheusExporter) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range e.series {
		ch <- s.desc
	}
	ch <- e.handshake
	ch <- e.frameSize
}

// Collect implements prometheus.Collector.
func (e *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.collector.Snapshot()
	for _, s := range e.series {
		ch <- prometheus.MustNewConstMetric(s.desc, s.kind, s.value(snap))
	}
	ch <- constHistogram(e.handshake, snap.HandshakeLatency)
	ch <- constHistogram(e.frameSize, snap.FrameSize)
}

func constHistogram(desc *prometheus.Desc, h HistogramSummary) prometheus.Metric {
	buckets := make(map[float64]uint64, len(h.Buckets))
	for _, b := range h.Buckets {
		if !math.IsInf(b.UpperBound, 1) {
			buckets[b.UpperBound] = b.Count
		}
	}
	return prometheus.MustNewConstHistogram(desc, h.Count, h.Sum, buckets)
}

// Registry returns a registry holding the exporter together with the Go
// runtime and process collectors.
func (e *PrometheusExporter) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		e,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns an http.Handler serving the exposition format.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.Registry(), promhttp.HandlerOpts{})
}
