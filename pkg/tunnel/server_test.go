package tunnel_test

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pzverkov/kyberchat/internal/constants"
	"github.com/pzverkov/kyberchat/pkg/crypto"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/protocol"
	"github.com/pzverkov/kyberchat/pkg/tunnel"
)

// fakeServer plays the server side of the protocol over one end of a pipe,
// using real ML-KEM decapsulation.
type fakeServer struct {
	t      *testing.T
	conn   net.Conn
	codec  *protocol.Codec
	kp     *crypto.MLKEMKeyPair
	cipher crypto.Cipher
	secret []byte
}

func newFakeServer(t *testing.T, conn net.Conn) *fakeServer {
	t.Helper()
	kp, err := crypto.GenerateMLKEMKeyPair()
	require.NoError(t, err)
	return &fakeServer{t: t, conn: conn, codec: protocol.NewCodec(conn, conn), kp: kp}
}

func (f *fakeServer) sendHello() {
	f.t.Helper()
	env, err := protocol.NewEnvelope(protocol.KindServerHello, protocol.NoUser,
		protocol.ServerHello{PublicKey: f.kp.PublicKeyBytes()})
	require.NoError(f.t, err)
	f.writePlain(env)
}

// acceptFinish reads the client finish and derives the session cipher.
func (f *fakeServer) acceptFinish() {
	f.t.Helper()
	env := f.read()
	require.Equal(f.t, protocol.KindClientFinish, env.Kind)
	p, err := env.Decode()
	require.NoError(f.t, err)

	f.secret, err = f.kp.Decapsulate(p.(protocol.ClientFinish).Encapsulation)
	require.NoError(f.t, err)
	f.cipher, err = crypto.NewAEAD(constants.CipherSuiteAES256GCM, f.secret)
	require.NoError(f.t, err)
}

func (f *fakeServer) read() *protocol.Envelope {
	f.t.Helper()
	_ = f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	env, err := f.codec.ReadEnvelope()
	require.NoError(f.t, err)
	return env
}

// readInner reads one frame and opens it if it is a secure envelope.
func (f *fakeServer) readInner() (env *protocol.Envelope, sealed bool, outerSender int64) {
	f.t.Helper()
	outer := f.read()
	if outer.Kind != protocol.KindSecureEnvelope {
		return outer, false, outer.SenderID
	}
	return f.open(outer), true, outer.SenderID
}

func (f *fakeServer) open(outer *protocol.Envelope) *protocol.Envelope {
	f.t.Helper()
	p, err := outer.Decode()
	require.NoError(f.t, err)
	plain, err := f.cipher.Decrypt(p.(protocol.SecurePayload).Ciphertext)
	require.NoError(f.t, err)
	inner, err := protocol.Decode(plain)
	require.NoError(f.t, err)
	return inner
}

func (f *fakeServer) seal(env *protocol.Envelope) *protocol.Envelope {
	f.t.Helper()
	frame, err := protocol.Encode(env)
	require.NoError(f.t, err)
	ct, err := f.cipher.Encrypt(frame[:len(frame)-1])
	require.NoError(f.t, err)
	outer, err := protocol.NewEnvelope(protocol.KindSecureEnvelope, protocol.NoUser, protocol.SecurePayload{Ciphertext: ct})
	require.NoError(f.t, err)
	return outer
}

func (f *fakeServer) writePlain(env *protocol.Envelope) {
	f.t.Helper()
	_ = f.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(f.t, f.codec.WriteEnvelope(env))
}

func (f *fakeServer) writeSealed(env *protocol.Envelope) {
	f.t.Helper()
	f.writePlain(f.seal(env))
}

func (f *fakeServer) writeLine(line string) {
	f.t.Helper()
	_ = f.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := f.conn.Write([]byte(line + "\n"))
	require.NoError(f.t, err)
}

// countingCipher records how often the tunnel cipher is used.
type countingCipher struct {
	crypto.Cipher
	encrypts *atomic.Int64
}

func (c countingCipher) Encrypt(p []byte) ([]byte, error) {
	c.encrypts.Add(1)
	return c.Cipher.Encrypt(p)
}

type testEnv struct {
	session   *tunnel.Session
	server    *fakeServer
	collector *metrics.Collector
	encrypts  *atomic.Int64
}

func testConfig(collector *metrics.Collector, encrypts *atomic.Int64) tunnel.Config {
	base := crypto.NewCipherFactory(constants.CipherSuiteAES256GCM)
	return tunnel.Config{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		Logger:           metrics.NullLogger(),
		Observer: metrics.NewSessionObserver(metrics.SessionObserverConfig{
			Collector: collector,
			Tracer:    metrics.NoOpTracer{},
			Logger:    metrics.NullLogger(),
		}),
		CipherFactory: func(key []byte) (crypto.Cipher, error) {
			c, err := base(key)
			if err != nil {
				return nil, err
			}
			return countingCipher{Cipher: c, encrypts: encrypts}, nil
		},
	}
}

// newSecureSession returns a session that has completed the handshake
// against a fake server.
func newSecureSession(t *testing.T) *testEnv {
	t.Helper()
	return newSecureSessionWith(t, func(*tunnel.Config) {})
}

func newSecureSessionWith(t *testing.T, mutate func(*tunnel.Config)) *testEnv {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	collector := metrics.NewCollector(nil)
	encrypts := new(atomic.Int64)
	cfg := testConfig(collector, encrypts)
	mutate(&cfg)

	s := tunnel.NewSession(clientConn, cfg)
	srv := newFakeServer(t, serverConn)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Handshake(context.Background()) }()

	srv.sendHello()
	srv.acceptFinish()
	require.NoError(t, <-errCh)
	require.Equal(t, tunnel.StateSecure, s.State())

	t.Cleanup(func() {
		_ = s.Close()
		_ = serverConn.Close()
		s.Wait()
	})
	return &testEnv{session: s, server: srv, collector: collector, encrypts: encrypts}
}

// recorder collects dispatched envelopes.
type recorder struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
	ch   chan *protocol.Envelope
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *protocol.Envelope, 256)}
}

func (r *recorder) handle(env *protocol.Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	r.ch <- env
}

func (r *recorder) next(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-r.ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope dispatched")
		return nil
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func mustEnvelope(t *testing.T, kind protocol.Kind, sender int64, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(kind, sender, payload)
	require.NoError(t, err)
	return env
}

// samplePayload returns a representative payload for kind.
func samplePayload(kind protocol.Kind) any {
	switch kind {
	case protocol.KindServerHello:
		return protocol.ServerHello{PublicKey: []byte{1, 2, 3}}
	case protocol.KindClientFinish:
		return protocol.ClientFinish{Encapsulation: []byte{4, 5, 6}}
	case protocol.KindRegisterRequest, protocol.KindLoginRequest:
		return protocol.AuthRequest{Username: "alice", Password: "pw"}
	case protocol.KindRegisterResponse, protocol.KindLoginResponse:
		return protocol.AuthResponse{User: &protocol.User{ID: 7, Username: "alice"}}
	case protocol.KindEnterChatRequest:
		return protocol.ConversationID(3)
	case protocol.KindSendMessage, protocol.KindReceiveMessage:
		return protocol.Message{ID: 1, Content: []byte("sealed"), Timestamp: 1700000000000, SenderID: 7, ChatID: 3}
	case protocol.KindGetMessagesResponse:
		return protocol.MessageHistory{{ID: 1, Content: []byte("a"), ChatID: 3}}
	case protocol.KindEditMessageRequest, protocol.KindEditMessageBroadcast:
		return protocol.EditMessage{MessageID: 1, NewContent: []byte("b")}
	case protocol.KindDeleteMessageRequest, protocol.KindDeleteMessageBroadcast:
		return protocol.MessageID(1)
	case protocol.KindExchangeSessionKey:
		return protocol.SessionKey{ChatID: 3, Key: make([]byte, 32)}
	default:
		return nil
	}
}
