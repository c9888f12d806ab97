package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/protocol"
)

// readLoop decodes one frame per line until the stream ends or the session
// closes. Handlers run inline.
func (s *Session) readLoop() {
	for {
		line, err := s.codec.ReadLine()
		if err != nil {
			var derr *qerrors.DecodeError
			if errors.As(err, &derr) {
				s.observer.OnDrop(metrics.DropDecode, err)
				continue
			}
			s.readFailed(err)
			return
		}
		if s.isClosed() {
			return
		}

		env, err := protocol.Decode(line)
		if err != nil {
			s.observer.OnDrop(metrics.DropDecode, err)
			continue
		}

		inner, sealed, err := s.unwrap(env)
		if err != nil {
			var terr *qerrors.TunnelDecryptError
			if errors.As(err, &terr) {
				s.observer.OnTunnelDecryptError(err)
				s.close(err)
				return
			}
			s.observer.OnDrop(dropReason(err), err)
			continue
		}

		s.observer.OnReceive(string(inner.Kind), len(line), sealed)
		s.dispatch(inner)
	}
}

// readFailed closes the session after the stream stopped producing frames.
func (s *Session) readFailed(err error) {
	if s.isClosed() {
		return
	}
	if errors.Is(err, io.EOF) {
		s.logger.Info("server closed the stream")
		s.close(fmt.Errorf("%w: end of stream", qerrors.ErrTunnelClosed))
		return
	}
	s.close(err)
}

// unwrap applies the inbound tunnel policy to env and returns the envelope
// to dispatch.
func (s *Session) unwrap(env *protocol.Envelope) (*protocol.Envelope, bool, error) {
	switch {
	case env.Kind == protocol.KindSecureEnvelope:
		inner, err := s.open(env)
		return inner, true, err
	case env.Kind.TunnelExempt():
		return env, false, nil
	case env.Kind.HandshakePhase():
		return nil, false, qerrors.NewProtocolError("secure",
			fmt.Errorf("%w: %s after handshake", qerrors.ErrUnexpectedKind, env.Kind))
	default:
		return nil, false, fmt.Errorf("%w: plaintext %s on a secure session", errPolicy, env.Kind)
	}
}

// open decrypts a SECURE_ENVELOPE and decodes the inner envelope. A payload
// that is not a ciphertext, fails authentication or does not hold an
// envelope means the stream is corrupt or out of sync, and is fatal.
func (s *Session) open(env *protocol.Envelope) (*protocol.Envelope, error) {
	key := s.key.Load()
	if key == nil {
		return nil, s.closedErr()
	}

	p, err := env.Decode()
	if err != nil {
		return nil, &qerrors.TunnelDecryptError{Err: err}
	}
	plaintext, err := key.cipher.Decrypt(p.(protocol.SecurePayload).Ciphertext)
	if err != nil {
		return nil, &qerrors.TunnelDecryptError{Err: err}
	}

	inner, err := protocol.Decode(plaintext)
	if err != nil {
		return nil, &qerrors.TunnelDecryptError{Err: err}
	}
	if inner.Kind == protocol.KindSecureEnvelope {
		return nil, qerrors.ErrNestedEnvelope
	}
	return inner, nil
}

var errPolicy = errors.New("tunnel policy")

func dropReason(err error) string {
	var (
		derr *qerrors.DecodeError
		perr *qerrors.ProtocolError
	)
	switch {
	case errors.As(err, &derr):
		return metrics.DropDecode
	case errors.Is(err, qerrors.ErrNestedEnvelope):
		return metrics.DropNested
	case errors.As(err, &perr):
		return metrics.DropProtocol
	default:
		return metrics.DropPolicy
	}
}

// waiter is a one-shot receiver registered by ReceiveNext and Request.
type waiter struct {
	kinds []protocol.Kind
	ch    chan *protocol.Envelope
}

func (w *waiter) wants(k protocol.Kind) bool {
	return len(w.kinds) == 0 || slices.Contains(w.kinds, k)
}

// dispatch hands env to the first matching waiter, or else to the handler.
func (s *Session) dispatch(env *protocol.Envelope) {
	s.waitersMu.Lock()
	for i, w := range s.waiters {
		if w.wants(env.Kind) {
			s.waiters = slices.Delete(s.waiters, i, i+1)
			s.waitersMu.Unlock()
			w.ch <- env
			return
		}
	}
	s.waitersMu.Unlock()

	h := s.handler.Load()
	if h == nil {
		s.observer.OnDrop(metrics.DropNoRoute, fmt.Errorf("no handler for %s", env.Kind))
		return
	}
	(*h)(env)
}

// ReceiveNext waits for the next inbound envelope of one of kinds, or of any
// kind when none are given. The matching envelope is delivered here instead
// of to the Handler; others keep flowing to the Handler. It must not be
// called from a Handler.
func (s *Session) ReceiveNext(ctx context.Context, kinds ...protocol.Kind) (*protocol.Envelope, error) {
	w, err := s.addWaiter(kinds)
	if err != nil {
		return nil, err
	}
	return s.await(ctx, w)
}

// Request sends env and waits for the first inbound envelope of one of
// kinds. The waiter is in place before env is written, so a reply cannot
// reach the Handler first.
func (s *Session) Request(ctx context.Context, env *protocol.Envelope, kinds ...protocol.Kind) (*protocol.Envelope, error) {
	w, err := s.addWaiter(kinds)
	if err != nil {
		return nil, err
	}
	if err := s.Send(ctx, env); err != nil {
		s.removeWaiter(w)
		return nil, err
	}
	return s.await(ctx, w)
}

func (s *Session) addWaiter(kinds []protocol.Kind) (*waiter, error) {
	w := &waiter{kinds: kinds, ch: make(chan *protocol.Envelope, 1)}

	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	if s.isClosed() {
		return nil, s.closedErr()
	}
	s.waiters = append(s.waiters, w)
	return w, nil
}

func (s *Session) await(ctx context.Context, w *waiter) (*protocol.Envelope, error) {
	select {
	case env := <-w.ch:
		return env, nil
	case <-ctx.Done():
		s.removeWaiter(w)
	case <-s.done:
		s.removeWaiter(w)
	}

	// A delivery may have raced with cancellation.
	select {
	case env := <-w.ch:
		return env, nil
	default:
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %w", qerrors.ErrTimeout, ctx.Err())
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, s.closedErr()
	}
}

func (s *Session) removeWaiter(w *waiter) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	if i := slices.Index(s.waiters, w); i >= 0 {
		s.waiters = slices.Delete(s.waiters, i, i+1)
	}
}
