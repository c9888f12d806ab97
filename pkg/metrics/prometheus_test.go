package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrometheusExporterGather(t *testing.T) {
	c := NewCollector(Labels{"instance": "test"})
	c.SessionStarted()
	c.RecordEnvelopeSent(1000)
	c.RecordHandshakeLatency(100 * time.Millisecond)

	reg := NewPrometheusExporter(c, "chat").Registry()
	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]float64)
	var handshakeCount uint64
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				byName[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				byName[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil && mf.GetName() == "chat_handshake_duration_milliseconds":
				handshakeCount = m.GetHistogram().GetSampleCount()
				require.Equal(t, 100.0, m.GetHistogram().GetSampleSum())
			}
			if mf.GetName() == "chat_sessions_active" {
				require.Equal(t, "instance", m.GetLabel()[0].GetName())
				require.Equal(t, "test", m.GetLabel()[0].GetValue())
			}
		}
	}

	require.Equal(t, 1.0, byName["chat_sessions_active"])
	require.Equal(t, 1.0, byName["chat_sessions_total"])
	require.Equal(t, 1000.0, byName["chat_bytes_sent_total"])
	require.Equal(t, 1.0, byName["chat_envelopes_sent_total"])
	require.EqualValues(t, 1, handshakeCount)
	require.Contains(t, byName, "go_goroutines")
}

func TestPrometheusExporterEmptyHistogram(t *testing.T) {
	reg := NewPrometheusExporter(NewCollector(nil), "").Registry()
	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestPrometheusHandler(t *testing.T) {
	c := NewCollector(nil)
	c.RecordTunnelDecryptError()

	rec := httptest.NewRecorder()
	NewMux(NewPrometheusExporter(c, "")).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "kyberchat_tunnel_decrypt_errors_total 1")
	require.Contains(t, rec.Body.String(), "# TYPE kyberchat_sessions_active gauge")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, ln, NewMux(NewPrometheusExporter(NewCollector(nil), "")))
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Contains(t, string(body), "kyberchat_uptime_seconds")

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
