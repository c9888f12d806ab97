// handshake.go implements the connect sequence.
//
// Handshake Flow:
//
//	Client                                   Server
//	  |                                        |
//	  |<------ KYBER_SERVER_HELLO (pk) --------|
//	  |  (ss, enc) = Encapsulate(pk)           |
//	  |  sessionKey = ss                       |
//	  |------- KYBER_CLIENT_FINISH (enc) ----->|
//	  |                                        |  ss = Decapsulate(sk, enc)
//	  |<====== SECURE_ENVELOPE traffic =======>|
//
// The exchange is anonymous: the server public key is not authenticated.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/crypto"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/protocol"
)

// Connect phases reported in *errors.ConnectError.
const (
	PhaseDial        = "dial"
	PhaseAwaitHello  = "await hello"
	PhaseHello       = "hello"
	PhaseEncapsulate = "encapsulate"
	PhaseFinish      = "finish"
)

// Dial opens a TCP stream to address and completes the handshake. On
// failure the returned error is a *errors.ConnectError and no session
// resources remain open.
func Dial(ctx context.Context, address string, cfg Config) (*Session, error) {
	s := New(cfg)
	if err := s.Connect(ctx, address); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect opens the stream for a session created with New and completes
// the handshake. It may be called once.
func (s *Session) Connect(ctx context.Context, address string) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return qerrors.NewConnectError(PhaseDial, qerrors.ErrInvalidState)
	}
	s.logger.Debug("connecting", metrics.Fields{"address": address})

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.cfg.Dialer.DialContext(dialCtx, "tcp", address)
	cancel()
	if err != nil {
		s.close(err)
		return qerrors.NewConnectError(PhaseDial, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	if err := s.attach(conn); err != nil {
		return qerrors.NewConnectError(PhaseDial, err)
	}
	return s.Handshake(ctx)
}

// Handshake waits for the server hello, answers with the client finish and
// moves the session to StateSecure. It is bounded by the configured
// handshake timeout and by ctx. Any failure closes the session and is
// returned as a *errors.ConnectError.
func (s *Session) Handshake(ctx context.Context) (err error) {
	if s.State() != StateAwaitingServerHello {
		return qerrors.NewConnectError(PhaseAwaitHello, qerrors.ErrInvalidState)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	ctx, end := s.observer.OnHandshakeStart(ctx)

	// Unblock the pending read when ctx expires or is cancelled.
	deadline, _ := ctx.Deadline()
	_ = s.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	err = s.handshake(ctx)
	if err == nil && !stop() {
		// ctx expired as the handshake finished and may still be moving
		// the read deadline; the session cannot be trusted to read.
		err = qerrors.NewConnectError(PhaseFinish, fmt.Errorf("%w: %w", qerrors.ErrTimeout, ctx.Err()))
	}
	if err != nil {
		end(err)
		s.close(err)
		return err
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	// The outcome is recorded before the reader can observe the end of
	// the session.
	end(nil)
	if !s.lifecycle.CompareAndSwap(lifecycleNew, lifecycleStarted) {
		// Closed between the handshake and here.
		s.observer.OnSessionEnd(s.Err())
		return nil
	}
	s.workers.Go(s.readLoop)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	env, err := s.codec.ReadEnvelope()
	if err != nil {
		return qerrors.NewConnectError(PhaseAwaitHello, s.handshakeReadErr(ctx, err))
	}
	if env.Kind != protocol.KindServerHello {
		return qerrors.NewConnectError(PhaseAwaitHello,
			qerrors.NewProtocolError("handshake", fmt.Errorf("%w: %s", qerrors.ErrUnexpectedKind, env.Kind)))
	}

	if !s.state.CompareAndSwap(int32(StateAwaitingServerHello), int32(StateHandshaking)) {
		return qerrors.NewConnectError(PhaseHello, s.closedErr())
	}

	p, err := env.Decode()
	if err != nil {
		return qerrors.NewConnectError(PhaseHello, err)
	}
	hello := p.(protocol.ServerHello)

	sharedSecret, encapsulation, err := s.cfg.KEM.Encapsulate(hello.PublicKey)
	if err != nil {
		return qerrors.NewConnectError(PhaseEncapsulate, err)
	}
	cipher, err := s.cfg.CipherFactory(sharedSecret)
	fingerprint := crypto.Fingerprint(sharedSecret)
	crypto.Zeroize(sharedSecret)
	if err != nil {
		return qerrors.NewConnectError(PhaseEncapsulate, err)
	}
	s.key.Store(&sessionKey{cipher: cipher, print: fingerprint})

	finish, err := protocol.NewEnvelope(protocol.KindClientFinish, s.UserID(),
		protocol.ClientFinish{Encapsulation: encapsulation})
	if err != nil {
		return qerrors.NewConnectError(PhaseFinish, err)
	}
	if err := s.Send(ctx, finish); err != nil {
		return qerrors.NewConnectError(PhaseFinish, err)
	}

	s.establishedAt = time.Now()
	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateSecure)) {
		return qerrors.NewConnectError(PhaseFinish, s.closedErr())
	}
	s.logger.Info("session secure", metrics.Fields{"key": fingerprint})
	return nil
}

// handshakeReadErr maps a failed hello read to a taxonomy error.
func (s *Session) handshakeReadErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: no server hello", qerrors.ErrTimeout)
	case s.isClosed():
		return s.closedErr()
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: stream ended before server hello", qerrors.ErrTunnelClosed)
	default:
		return err
	}
}
