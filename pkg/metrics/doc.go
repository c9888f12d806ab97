// Package metrics provides observability primitives for the kyberchat client.
//
// # Overview
//
// The package offers:
//   - A Collector of session, tunnel and conversation counters
//   - Prometheus export through client_golang
//   - A Tracer interface with no-op, in-memory and OpenTelemetry backends
//   - Structured, levelled logging
//   - SessionObserver, which feeds tunnel session events into all three
//
// # Metrics Collection
//
//	collector := metrics.NewCollector(metrics.Labels{"instance": "laptop"})
//
//	collector.SessionStarted()
//	collector.RecordHandshakeLatency(d)
//	collector.RecordEnvelopeSent(len(frame))
//	collector.RecordMessageDecryptError()
//
//	snap := collector.Snapshot()
//
// # Prometheus Export
//
//	exporter := metrics.NewPrometheusExporter(collector, "kyberchat")
//	go metrics.ListenAndServe(ctx, ":9090", metrics.NewMux(exporter))
//
// # Tracing
//
//	metrics.SetTracer(metrics.NewSimpleTracer())
//
//	// OpenTelemetry adapter over the global provider; build with -tags otel.
//	metrics.SetTracer(metrics.NewOTelTracer(metrics.DefaultServiceName))
//
//	ctx, end := metrics.StartSpan(ctx, metrics.SpanEnterChat)
//	defer end(nil)
//
// # Structured Logging
//
//	logger := metrics.NewLogger(
//		metrics.WithLevel(metrics.LevelInfo),
//		metrics.WithFormat(metrics.FormatJSON),
//	)
//	logger.Named("chat").Info("entered conversation", metrics.Fields{"chat": id})
//
// Payloads and key material are never logged; only kinds, sizes and key
// fingerprints are.
package metrics
