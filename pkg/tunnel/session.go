// Package tunnel implements the client side of the ML-KEM session tunnel
// that protects a newline-framed chat connection.
//
// The tunnel provides:
//   - An anonymous ML-KEM-1024 key agreement on connect
//   - AES-256-GCM or ChaCha20-Poly1305 wrapping of every non-exempt envelope
//   - One ordered writer draining a bounded queue
//   - One read loop that unwraps, filters and dispatches inbound envelopes
//
// Envelopes whose kind already carries end-to-end ciphertext bypass the
// tunnel and travel as plain frames even once the session is secure.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pzverkov/kyberchat/internal/constants"
	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/internal/worker"
	"github.com/pzverkov/kyberchat/pkg/crypto"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/protocol"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateDisconnected indicates no stream has been opened yet
	StateDisconnected State = iota

	// StateConnecting indicates the stream is being opened
	StateConnecting

	// StateAwaitingServerHello indicates the stream is open and the server
	// public key has not arrived
	StateAwaitingServerHello

	// StateHandshaking indicates the hello arrived and the client finish is
	// being produced
	StateHandshaking

	// StateSecure indicates the session key is set and non-exempt traffic is
	// tunnelled
	StateSecure

	// StateClosed is terminal
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAwaitingServerHello:
		return "AwaitingServerHello"
	case StateHandshaking:
		return "Handshaking"
	case StateSecure:
		return "Secure"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Handler consumes inbound envelopes. It runs on the read loop goroutine.
type Handler func(env *protocol.Envelope)

// Dialer opens the underlying stream. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds session parameters. Zero values select defaults.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	DialTimeout      time.Duration
	WriteQueueSize   int

	// CipherSuite selects the tunnel AEAD when CipherFactory is nil.
	CipherSuite constants.CipherSuite

	KEM           crypto.KEM
	CipherFactory crypto.CipherFactory
	Dialer        Dialer

	// Observer is shared by every session built from this config. It is
	// ignored when ObserverFactory is set.
	Observer        Observer
	ObserverFactory ObserverFactory

	Logger *metrics.Logger
}

// DefaultConfig returns the defaults used for zero Config fields.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: constants.DefaultHandshakeTimeout,
		WriteTimeout:     constants.DefaultWriteTimeout,
		DialTimeout:      constants.DefaultDialTimeout,
		WriteQueueSize:   constants.DefaultWriteQueueSize,
		CipherSuite:      crypto.PreferredCipherSuite(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = d.WriteQueueSize
	}
	if c.CipherSuite == 0 {
		c.CipherSuite = d.CipherSuite
	}
	if c.KEM == nil {
		c.KEM = crypto.MLKEM{}
	}
	if c.CipherFactory == nil {
		c.CipherFactory = crypto.NewCipherFactory(c.CipherSuite)
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{Timeout: c.DialTimeout}
	}
	if c.Logger == nil {
		c.Logger = metrics.GetLogger()
	}
	return c
}

// Observer lifecycle of a session: OnSessionEnd fires only for a session
// whose successful handshake was reported.
const (
	lifecycleNew int32 = iota
	lifecycleStarted
	lifecycleEnded
)

// sessionKey boxes the tunnel cipher so it can be swapped atomically.
type sessionKey struct {
	cipher crypto.Cipher
	print  string
}

// Session is one connection to the chat server. All methods are safe for
// concurrent use.
type Session struct {
	cfg      Config
	logger   *metrics.Logger
	observer Observer

	state  atomic.Int32
	key    atomic.Pointer[sessionKey]
	userID atomic.Int64

	connMu sync.Mutex
	conn   net.Conn
	codec  *protocol.Codec
	queue  chan *writeRequest

	handler   atomic.Pointer[Handler]
	waitersMu sync.Mutex
	waiters   []*waiter

	workers   worker.Worker
	lifecycle atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error

	establishedAt time.Time
}

// New creates a session in StateDisconnected. Use Connect to open it.
func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.Named("tunnel"),
		done:   make(chan struct{}),
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

// NewSession wraps an already open stream. The session starts in
// StateAwaitingServerHello; call Handshake to complete it.
func NewSession(conn net.Conn, cfg Config) *Session {
	s := New(cfg)
	_ = s.attach(conn)
	return s
}

// attach binds conn and starts the writer. Called exactly once, before
// the reader exists. It fails if the session was closed meanwhile.
func (s *Session) attach(conn net.Conn) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.isClosed() {
		_ = conn.Close()
		return s.closedErr()
	}

	s.conn = conn
	s.codec = protocol.NewCodec(conn, conn)
	s.queue = make(chan *writeRequest, s.cfg.WriteQueueSize)

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	s.observer = observerFromConfig(&s.cfg, remote)

	s.setState(StateAwaitingServerHello)
	s.workers.Go(s.writeLoop)
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// SetUserID sets the originator id stamped on secure envelopes.
func (s *Session) SetUserID(id int64) {
	s.userID.Store(id)
}

// UserID returns the originator id, or protocol.NoUser before login.
func (s *Session) UserID() int64 {
	return s.userID.Load()
}

// SetHandler installs h as the single consumer of inbound envelopes,
// replacing any previous one. A nil h removes the consumer; envelopes
// arriving without a consumer are dropped.
func (s *Session) SetHandler(h Handler) {
	if h == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&h)
}

// KeyFingerprint returns a short fingerprint of the session key, or "-" when
// the session is not secure.
func (s *Session) KeyFingerprint() string {
	if k := s.key.Load(); k != nil {
		return k.print
	}
	return "-"
}

// Done returns a channel closed when the session closes for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the cause of closure: nil while open or after a local Close,
// otherwise the error that tore the session down.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears the session down. It is idempotent, safe from any goroutine
// including a Handler, and never blocks on the read loop. Use Wait to join
// the background goroutines.
func (s *Session) Close() error {
	s.close(nil)
	return nil
}

// Wait blocks until the reader and writer goroutines have exited. It must
// not be called from a Handler.
func (s *Session) Wait() {
	s.workers.Wait()
}

// close records cause, clears the key, stops the workers and closes the
// stream exactly once.
func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		s.key.Store(nil)

		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()

		close(s.done)
		s.workers.Signal()
		s.closeConn()

		if s.lifecycle.Swap(lifecycleEnded) == lifecycleStarted {
			s.observer.OnSessionEnd(cause)
		}
		if cause != nil {
			s.logger.Debug("closing session", metrics.Fields{"state": prev.String(), "cause": cause.Error()})
		}
	})
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", qerrors.ErrTunnelClosed, err)
	}
	return qerrors.ErrTunnelClosed
}

// LocalAddr returns the local network address, if connected.
func (s *Session) LocalAddr() net.Addr {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote network address, if connected.
func (s *Session) RemoteAddr() net.Addr {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// EstablishedAt returns when the session became secure, or the zero time.
func (s *Session) EstablishedAt() time.Time {
	if s.State() < StateSecure {
		return time.Time{}
	}
	return s.establishedAt
}
