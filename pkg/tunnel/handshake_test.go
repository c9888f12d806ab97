package tunnel_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/crypto"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/tunnel"
)

func TestHandshakeEstablishesSharedKey(t *testing.T) {
	env := newSecureSession(t)

	require.Equal(t, crypto.Fingerprint(env.server.secret), env.session.KeyFingerprint())
	require.False(t, env.session.EstablishedAt().IsZero())
	require.Zero(t, env.encrypts.Load(), "client finish must not be sealed")

	snap := env.collector.Snapshot()
	require.EqualValues(t, 1, snap.SessionsTotal)
	require.EqualValues(t, 1, snap.SessionsActive)
	require.EqualValues(t, 1, snap.HandshakeLatency.Count)
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name   string
		server func(conn net.Conn)
		phase  string
		target error
	}{
		{
			name:   "no hello",
			server: func(net.Conn) {},
			phase:  tunnel.PhaseAwaitHello,
			target: qerrors.ErrTimeout,
		},
		{
			name: "wrong kind",
			server: func(conn net.Conn) {
				_, _ = conn.Write([]byte(`{"type":"LOGIN_RESPONSE","senderId":0,"payload":"nope"}` + "\n"))
			},
			phase:  tunnel.PhaseAwaitHello,
			target: qerrors.ErrUnexpectedKind,
		},
		{
			name: "malformed hello",
			server: func(conn net.Conn) {
				_, _ = conn.Write([]byte(`{"type":"KYBER_SERVER_HELLO","senderId":0,"payload":123}` + "\n"))
			},
			phase:  tunnel.PhaseHello,
			target: qerrors.ErrMalformed,
		},
		{
			name: "bad public key",
			server: func(conn net.Conn) {
				_, _ = conn.Write([]byte(`{"type":"KYBER_SERVER_HELLO","senderId":0,"payload":"AAEC"}` + "\n"))
			},
			phase: tunnel.PhaseEncapsulate,
		},
		{
			name: "stream ends",
			server: func(conn net.Conn) {
				_ = conn.Close()
			},
			phase:  tunnel.PhaseAwaitHello,
			target: qerrors.ErrTunnelClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer serverConn.Close()

			collector := metrics.NewCollector(nil)
			cfg := testConfig(collector, nil)
			cfg.CipherFactory = nil
			cfg.HandshakeTimeout = 150 * time.Millisecond

			s := tunnel.NewSession(clientConn, cfg)
			go tt.server(serverConn)

			err := s.Handshake(context.Background())
			require.Error(t, err)

			var cerr *qerrors.ConnectError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, tt.phase, cerr.Phase)
			if tt.target != nil {
				require.ErrorIs(t, err, tt.target)
			}

			require.Equal(t, tunnel.StateClosed, s.State())
			require.Equal(t, "-", s.KeyFingerprint())
			s.Wait()

			snap := collector.Snapshot()
			require.EqualValues(t, 1, snap.SessionsFailed)
			require.EqualValues(t, 0, snap.SessionsActive)
		})
	}
}

func TestHandshakeCancelled(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	s := tunnel.NewSession(clientConn, tunnel.Config{Logger: metrics.NullLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := s.Handshake(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, tunnel.StateClosed, s.State())
	s.Wait()
}

func TestHandshakeRequiresOpenStream(t *testing.T) {
	s := tunnel.New(tunnel.Config{Logger: metrics.NullLogger()})
	err := s.Handshake(context.Background())
	require.ErrorIs(t, err, qerrors.ErrInvalidState)
	require.Equal(t, tunnel.StateDisconnected, s.State())
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		s   *tunnel.Session
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		s, err := tunnel.Dial(context.Background(), ln.Addr().String(), tunnel.Config{Logger: metrics.NullLogger()})
		resCh <- result{s, err}
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	srv := newFakeServer(t, conn)
	srv.sendHello()
	srv.acceptFinish()

	res := <-resCh
	require.NoError(t, res.err)
	s := res.s
	defer func() {
		_ = s.Close()
		s.Wait()
	}()

	require.Equal(t, tunnel.StateSecure, s.State())
	require.Equal(t, ln.Addr().String(), s.RemoteAddr().String())
	require.Equal(t, conn.RemoteAddr().String(), s.LocalAddr().String())
	require.Equal(t, crypto.Fingerprint(srv.secret), s.KeyFingerprint())

	err = s.Connect(context.Background(), ln.Addr().String())
	require.ErrorIs(t, err, qerrors.ErrInvalidState)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s, err := tunnel.Dial(context.Background(), addr, tunnel.Config{
		DialTimeout: time.Second,
		Logger:      metrics.NullLogger(),
	})
	require.Nil(t, s)

	var cerr *qerrors.ConnectError
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, tunnel.PhaseDial, cerr.Phase)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "AwaitingServerHello", tunnel.StateAwaitingServerHello.String())
	require.Equal(t, "Secure", tunnel.StateSecure.String())
	require.Equal(t, "Unknown", tunnel.State(42).String())
}

// lifecycleObserver records handshake outcomes and session ends in order.
type lifecycleObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *lifecycleObserver) add(ev string) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *lifecycleObserver) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *lifecycleObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	return ctx, func(err error) {
		if err != nil {
			o.add("failed")
			return
		}
		o.add("started")
	}
}
func (o *lifecycleObserver) OnSessionEnd(error)          { o.add("ended") }
func (o *lifecycleObserver) OnSend(string, int, bool)    {}
func (o *lifecycleObserver) OnReceive(string, int, bool) {}
func (o *lifecycleObserver) OnDrop(string, error)        {}
func (o *lifecycleObserver) OnTunnelDecryptError(error)  {}
func (o *lifecycleObserver) OnWriteQueueFull()           {}

func TestSessionEndReportedAfterStart(t *testing.T) {
	for i := 0; i < 20; i++ {
		clientConn, serverConn := net.Pipe()
		obs := &lifecycleObserver{}
		collector := metrics.NewCollector(nil)
		cfg := testConfig(collector, nil)
		cfg.CipherFactory = nil
		cfg.Observer = obs

		s := tunnel.NewSession(clientConn, cfg)
		srv := newFakeServer(t, serverConn)

		errCh := make(chan error, 1)
		go func() { errCh <- s.Handshake(context.Background()) }()

		// Hang up as soon as the client finish arrives.
		srv.sendHello()
		srv.acceptFinish()
		require.NoError(t, serverConn.Close())

		require.NoError(t, <-errCh)
		waitDone(t, s)
		s.Wait()
		require.Equal(t, []string{"started", "ended"}, obs.list())
	}
}

func TestFailedHandshakeDoesNotReportSessionEnd(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	obs := &lifecycleObserver{}
	cfg := testConfig(metrics.NewCollector(nil), nil)
	cfg.CipherFactory = nil
	cfg.Observer = obs
	cfg.HandshakeTimeout = 100 * time.Millisecond

	s := tunnel.NewSession(clientConn, cfg)
	require.Error(t, s.Handshake(context.Background()))
	s.Wait()
	require.NoError(t, s.Close())

	require.Equal(t, []string{"failed"}, obs.list())
}
