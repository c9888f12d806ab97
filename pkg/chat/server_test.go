package chat_test

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pzverkov/kyberchat/internal/constants"
	"github.com/pzverkov/kyberchat/pkg/chat"
	"github.com/pzverkov/kyberchat/pkg/crypto"
	"github.com/pzverkov/kyberchat/pkg/keystore"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/protocol"
	"github.com/pzverkov/kyberchat/pkg/tunnel"
)

// chatServer is an in-process server. It dials over net.Pipe, performs the
// real ML-KEM handshake and answers requests the way the chat server does.
type chatServer struct {
	t *testing.T

	mu       sync.Mutex
	silent   bool
	history  []protocol.Message
	nextID   int64
	received []*protocol.Envelope
	keys     map[int64][]byte
	conns    int
}

func newChatServer(t *testing.T) *chatServer {
	return &chatServer{t: t, nextID: 100, keys: make(map[int64][]byte)}
}

func (s *chatServer) DialContext(context.Context, string, string) (net.Conn, error) {
	client, srv := net.Pipe()
	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
	go s.serve(srv)
	return client, nil
}

func (s *chatServer) setSilent(v bool) {
	s.mu.Lock()
	s.silent = v
	s.mu.Unlock()
}

func (s *chatServer) setHistory(h []protocol.Message) {
	s.mu.Lock()
	s.history = h
	s.mu.Unlock()
}

func (s *chatServer) kinds() []protocol.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Kind, 0, len(s.received))
	for _, env := range s.received {
		out = append(out, env.Kind)
	}
	return out
}

func (s *chatServer) key(chatID int64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[chatID]
}

func (s *chatServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *chatServer) serve(conn net.Conn) {
	defer conn.Close()
	codec := protocol.NewCodec(conn, conn)

	kp, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		s.t.Logf("server: keygen: %v", err)
		return
	}
	hello, _ := protocol.NewEnvelope(protocol.KindServerHello, protocol.NoUser,
		protocol.ServerHello{PublicKey: kp.PublicKeyBytes()})
	if err := codec.WriteEnvelope(hello); err != nil {
		return
	}
	fin, err := codec.ReadEnvelope()
	if err != nil {
		return
	}
	p, err := fin.Decode()
	if err != nil {
		return
	}
	secret, err := kp.Decapsulate(p.(protocol.ClientFinish).Encapsulation)
	if err != nil {
		return
	}
	aead, err := crypto.NewAEAD(constants.CipherSuiteAES256GCM, secret)
	if err != nil {
		return
	}

	for {
		env, err := codec.ReadEnvelope()
		if err != nil {
			return
		}
		if env.Kind == protocol.KindSecureEnvelope {
			if env, err = openSealed(aead, env); err != nil {
				s.t.Logf("server: open: %v", err)
				return
			}
		}
		for _, reply := range s.respond(env) {
			if !reply.Kind.TunnelExempt() {
				if reply, err = sealEnvelope(aead, reply); err != nil {
					return
				}
			}
			if err := codec.WriteEnvelope(reply); err != nil {
				return
			}
		}
	}
}

func openSealed(aead *crypto.AEAD, outer *protocol.Envelope) (*protocol.Envelope, error) {
	p, err := outer.Decode()
	if err != nil {
		return nil, err
	}
	plain, err := aead.Decrypt(p.(protocol.SecurePayload).Ciphertext)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(plain)
}

func sealEnvelope(aead *crypto.AEAD, env *protocol.Envelope) (*protocol.Envelope, error) {
	frame, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}
	ct, err := aead.Encrypt(frame[:len(frame)-1])
	if err != nil {
		return nil, err
	}
	return protocol.NewEnvelope(protocol.KindSecureEnvelope, protocol.NoUser, protocol.SecurePayload{Ciphertext: ct})
}

func reply(kind protocol.Kind, payload any) *protocol.Envelope {
	env, err := protocol.NewEnvelope(kind, protocol.NoUser, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func (s *chatServer) respond(env *protocol.Envelope) []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, env)
	if s.silent {
		return nil
	}

	p, err := env.Decode()
	if err != nil {
		s.t.Logf("server: decode %s: %v", env.Kind, err)
		return nil
	}

	switch v := p.(type) {
	case protocol.AuthRequest:
		resp := protocol.KindLoginResponse
		if env.Kind == protocol.KindRegisterRequest {
			resp = protocol.KindRegisterResponse
			if v.Username == "taken" {
				return []*protocol.Envelope{reply(resp, protocol.AuthResponse{Error: "username already exists"})}
			}
		} else if v.Password != "pw" {
			return []*protocol.Envelope{reply(resp, protocol.AuthResponse{Error: "invalid credentials"})}
		}
		return []*protocol.Envelope{reply(resp, protocol.AuthResponse{User: &protocol.User{ID: 42, Username: v.Username}})}

	case protocol.ConversationID:
		return []*protocol.Envelope{
			reply(protocol.KindEnterChatResponse, nil),
			reply(protocol.KindGetMessagesResponse, protocol.MessageHistory(s.history)),
		}

	case protocol.SessionKey:
		s.keys[v.ChatID] = v.Key
		return nil

	case protocol.Message:
		s.nextID++
		v.ID = s.nextID
		s.history = append(s.history, v)
		return []*protocol.Envelope{reply(protocol.KindReceiveMessage, v)}

	case protocol.EditMessage:
		return []*protocol.Envelope{reply(protocol.KindEditMessageBroadcast, v)}

	case protocol.MessageID:
		return []*protocol.Envelope{reply(protocol.KindDeleteMessageBroadcast, v)}
	}

	if env.Kind == protocol.KindExitChatRequest {
		return []*protocol.Envelope{reply(protocol.KindExitChatResponse, nil)}
	}
	return nil
}

type testClient struct {
	client    *chat.Client
	server    *chatServer
	store     *keystore.MemoryStore
	collector *metrics.Collector
}

func newTestClient(t *testing.T, opts ...func(*chat.Config)) *testClient {
	t.Helper()
	tc := &testClient{
		server:    newChatServer(t),
		store:     keystore.NewMemoryStore(),
		collector: metrics.NewCollector(nil),
	}
	tcfg := tunnel.DefaultConfig()
	tcfg.CipherSuite = constants.CipherSuiteAES256GCM
	tcfg.Dialer = tc.server
	tcfg.Observer = metrics.NewSessionObserver(metrics.SessionObserverConfig{
		Collector: tc.collector,
		Tracer:    metrics.NoOpTracer{},
		Logger:    metrics.NullLogger(),
	})

	cfg := chat.Config{
		Address:   "chat.test:5000",
		Tunnel:    tcfg,
		Store:     tc.store,
		Collector: tc.collector,
		Tracer:    metrics.NoOpTracer{},
		Logger:    metrics.NullLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var err error
	tc.client, err = chat.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tc.client.Close() })
	return tc
}

func (tc *testClient) login(t *testing.T) {
	t.Helper()
	_, err := tc.client.Login(context.Background(), "ana", "pw")
	require.NoError(t, err)
}
