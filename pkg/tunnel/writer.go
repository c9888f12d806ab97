package tunnel

import (
	"context"
	"fmt"
	"time"

	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/protocol"
)

type writeRequest struct {
	env    *protocol.Envelope
	result chan error
}

// Send queues env for the writer and waits until it has been written.
//
// Before the session is secure only handshake kinds may be sent, in the
// clear. Once secure, exempt kinds are written as they are and every other
// kind is sealed under the session key and carried in a SECURE_ENVELOPE
// stamped with the local user id. Envelopes are written in the order their
// Send calls were queued.
//
// If ctx ends while waiting for queue space the envelope is not sent and
// the error wraps ErrWriteQueueFull. If ctx ends after queueing, the
// envelope may still be written.
func (s *Session) Send(ctx context.Context, env *protocol.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", qerrors.ErrMalformed)
	}
	if !env.Kind.Valid() {
		return fmt.Errorf("%w: %q", qerrors.ErrUnknownKind, env.Kind)
	}
	if env.Kind == protocol.KindSecureEnvelope {
		return fmt.Errorf("%w: secure envelopes are built by the session", qerrors.ErrNestedEnvelope)
	}
	switch st := s.State(); st {
	case StateClosed:
		return s.closedErr()
	case StateDisconnected, StateConnecting:
		return fmt.Errorf("%w: session is %s", qerrors.ErrInvalidState, st)
	case StateSecure:
	default:
		if !env.Kind.HandshakePhase() {
			return fmt.Errorf("%w: %s", qerrors.ErrPlaintextBeforeHandshake, env.Kind)
		}
	}

	req := &writeRequest{env: env, result: make(chan error, 1)}
	select {
	case s.queue <- req:
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		s.observer.OnWriteQueueFull()
		return fmt.Errorf("%w: %w", qerrors.ErrWriteQueueFull, ctx.Err())
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-req.result:
			return err
		default:
			return s.closedErr()
		}
	}
}

// writeLoop is the only goroutine that writes to the stream.
func (s *Session) writeLoop() {
	defer s.drainQueue()
	for {
		select {
		case <-s.workers.HaltCh():
			return
		case req := <-s.queue:
			err := s.write(req.env)
			req.result <- err
			if err != nil && isStreamError(err) {
				s.close(err)
				return
			}
		}
	}
}

// drainQueue fails every request still queued after the writer stops.
func (s *Session) drainQueue() {
	for {
		select {
		case req := <-s.queue:
			req.result <- s.closedErr()
		default:
			return
		}
	}
}

// write classifies env against the current state and writes one frame.
func (s *Session) write(env *protocol.Envelope) error {
	if s.isClosed() {
		return s.closedErr()
	}

	out, sealed, err := s.wrap(env)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(out)
	if err != nil {
		return err
	}

	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := s.codec.WriteFrame(frame); err != nil {
		return &streamError{err: err}
	}

	s.observer.OnSend(string(env.Kind), len(frame), sealed)
	if s.logger.Enabled(metrics.LevelDebug) {
		s.logger.Debug("sent", metrics.Fields{"kind": env.Kind.String(), "sealed": sealed, "bytes": len(frame)})
	}
	return nil
}

// wrap returns the envelope to put on the wire for env and whether it was
// sealed into the tunnel.
func (s *Session) wrap(env *protocol.Envelope) (*protocol.Envelope, bool, error) {
	if s.State() != StateSecure || env.Kind.TunnelExempt() {
		if s.State() != StateSecure && !env.Kind.HandshakePhase() {
			return nil, false, fmt.Errorf("%w: %s", qerrors.ErrPlaintextBeforeHandshake, env.Kind)
		}
		return env, false, nil
	}

	key := s.key.Load()
	if key == nil {
		return nil, false, s.closedErr()
	}
	inner, err := protocol.Encode(env)
	if err != nil {
		return nil, false, err
	}
	ciphertext, err := key.cipher.Encrypt(inner[:len(inner)-1])
	if err != nil {
		return nil, false, qerrors.NewCryptoError("seal envelope", err)
	}
	outer, err := protocol.NewEnvelope(protocol.KindSecureEnvelope, s.UserID(),
		protocol.SecurePayload{Ciphertext: ciphertext})
	if err != nil {
		return nil, false, err
	}
	return outer, true, nil
}

// streamError marks a failed write on the connection itself, which is fatal
// to the session.
type streamError struct {
	err error
}

func (e *streamError) Error() string { return "write: " + e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

func isStreamError(err error) bool {
	_, ok := err.(*streamError)
	return ok
}
