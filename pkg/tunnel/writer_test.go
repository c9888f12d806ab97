package tunnel_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/protocol"
	"github.com/pzverkov/kyberchat/pkg/tunnel"
)

// sendAsync runs Send in the background; the pipe only completes a write
// once the fake server reads it.
func sendAsync(s *tunnel.Session, env *protocol.Envelope) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Send(context.Background(), env) }()
	return ch
}

func TestSendClassification(t *testing.T) {
	env := newSecureSession(t)
	env.session.SetUserID(7)

	for _, kind := range protocol.Kinds() {
		if kind.HandshakePhase() || kind == protocol.KindSecureEnvelope {
			continue
		}
		t.Run(string(kind), func(t *testing.T) {
			before := env.encrypts.Load()
			out := mustEnvelope(t, kind, 7, samplePayload(kind))
			errCh := sendAsync(env.session, out)

			inner, sealed, outerSender := env.server.readInner()
			require.NoError(t, <-errCh)

			require.Equal(t, kind, inner.Kind)
			require.Equal(t, out.Payload, inner.Payload)
			require.Equal(t, !kind.TunnelExempt(), sealed)
			require.EqualValues(t, 7, outerSender)

			if kind.TunnelExempt() {
				require.Equal(t, before, env.encrypts.Load(), "exempt kind touched the tunnel cipher")
			} else {
				require.Equal(t, before+1, env.encrypts.Load())
			}
		})
	}

	snap := env.collector.Snapshot()
	// Five exempt kinds plus the client finish.
	require.EqualValues(t, 6, snap.ExemptSent)
	require.EqualValues(t, len(protocol.Kinds())-3-5, snap.TunnelSealed)
}

func TestSendMessageCarriesSealedContentVerbatim(t *testing.T) {
	env := newSecureSession(t)
	env.session.SetUserID(42)

	content := []byte{0x00, 0x0a, 0xff, '\n', 'x'}
	msg := protocol.Message{Content: content, Timestamp: 1700000000123, SenderID: 42, ChatID: 9}
	errCh := sendAsync(env.session, mustEnvelope(t, protocol.KindSendMessage, 42, msg))

	got := env.server.read()
	require.NoError(t, <-errCh)
	require.Equal(t, protocol.KindSendMessage, got.Kind)
	require.EqualValues(t, 42, got.SenderID)

	p, err := got.Decode()
	require.NoError(t, err)
	require.Equal(t, content, p.(protocol.Message).Content)
	require.Zero(t, env.encrypts.Load())
}

func TestSendRejections(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		s := tunnel.New(tunnel.Config{Logger: metrics.NullLogger()})
		require.ErrorIs(t, s.Send(context.Background(), nil), qerrors.ErrMalformed)
	})

	t.Run("unknown kind", func(t *testing.T) {
		s := tunnel.New(tunnel.Config{Logger: metrics.NullLogger()})
		err := s.Send(context.Background(), &protocol.Envelope{Kind: "BOGUS"})
		require.ErrorIs(t, err, qerrors.ErrUnknownKind)
	})

	t.Run("disconnected", func(t *testing.T) {
		s := tunnel.New(tunnel.Config{Logger: metrics.NullLogger()})
		err := s.Send(context.Background(), mustEnvelope(t, protocol.KindLoginRequest, 0, protocol.AuthRequest{}))
		require.ErrorIs(t, err, qerrors.ErrInvalidState)
	})

	t.Run("before handshake", func(t *testing.T) {
		clientConn, serverConn := net.Pipe()
		defer serverConn.Close()
		s := tunnel.NewSession(clientConn, tunnel.Config{Logger: metrics.NullLogger()})
		defer func() {
			_ = s.Close()
			s.Wait()
		}()

		for _, kind := range []protocol.Kind{protocol.KindLoginRequest, protocol.KindSendMessage, protocol.KindExchangeSessionKey} {
			err := s.Send(context.Background(), mustEnvelope(t, kind, 0, samplePayload(kind)))
			require.ErrorIs(t, err, qerrors.ErrPlaintextBeforeHandshake, kind)
		}
	})

	t.Run("secure envelope", func(t *testing.T) {
		env := newSecureSession(t)
		err := env.session.Send(context.Background(),
			mustEnvelope(t, protocol.KindSecureEnvelope, 0, protocol.SecurePayload{Ciphertext: []byte{1}}))
		require.ErrorIs(t, err, qerrors.ErrNestedEnvelope)
	})

	t.Run("after close", func(t *testing.T) {
		env := newSecureSession(t)
		require.NoError(t, env.session.Close())
		err := env.session.Send(context.Background(), mustEnvelope(t, protocol.KindExitChatRequest, 0, nil))
		require.ErrorIs(t, err, qerrors.ErrTunnelClosed)
	})
}

func TestSendPreservesOrder(t *testing.T) {
	te := newSecureSession(t)

	const (
		senders = 4
		each    = 25
	)

	errCh := make(chan error, senders)
	var wg sync.WaitGroup
	for g := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range each {
				// Alternate sealed and exempt kinds from the same caller.
				kind := protocol.KindSendMessage
				var payload any = protocol.Message{ID: int64(i), SenderID: int64(g), Content: []byte("c")}
				if i%2 == 1 {
					kind = protocol.KindEditMessageRequest
					payload = protocol.EditMessage{MessageID: int64(i), NewContent: []byte{byte(g)}}
				}
				env, err := protocol.NewEnvelope(kind, int64(g), payload)
				if err == nil {
					err = te.session.Send(context.Background(), env)
				}
				if err != nil {
					errCh <- err
					return
				}
			}
		}()
	}

	next := make(map[int64]int64, senders)
	for range senders * each {
		inner, _, _ := te.server.readInner()
		require.Equal(t, next[inner.SenderID], seqOf(t, inner), "sender %d", inner.SenderID)
		next[inner.SenderID]++
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
}

func seqOf(t *testing.T, env *protocol.Envelope) int64 {
	t.Helper()
	p, err := env.Decode()
	require.NoError(t, err)
	switch v := p.(type) {
	case protocol.Message:
		return v.ID
	case protocol.EditMessage:
		return v.MessageID
	}
	t.Fatalf("unexpected payload %T", p)
	return -1
}

func TestSendQueueFullHonoursContext(t *testing.T) {
	env := newSecureSessionWith(t, func(cfg *tunnel.Config) {
		cfg.WriteQueueSize = 1
	})

	// Nobody reads the server side, so the writer blocks on the first frame
	// and the second fills the queue.
	exit := mustEnvelope(t, protocol.KindExitChatRequest, 0, nil)
	for range 2 {
		go func() { _ = env.session.Send(context.Background(), exit) }()
	}

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := env.session.Send(ctx, exit)
		return qerrors.Is(err, qerrors.ErrWriteQueueFull)
	}, 2*time.Second, 10*time.Millisecond)

	require.NotZero(t, env.collector.Snapshot().WriteQueueRejections)
}
