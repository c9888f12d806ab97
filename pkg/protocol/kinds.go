// Package protocol defines the wire protocol spoken between the chat client
// and server.
//
// Every frame is one JSON envelope terminated by a single newline:
//
//	{"type":"<KIND>","senderId":<int>,"payload":<any>}
//
// Connection flow:
//
//	Client                                  Server
//	    |                                      |
//	    | <------ KYBER_SERVER_HELLO --------- |  (ML-KEM public key, base64)
//	    |                                      |
//	    | ------- KYBER_CLIENT_FINISH -------> |  (encapsulation, base64)
//	    |                                      |
//	    |    === Tunnel Established ===        |
//	    |                                      |
//	    | <====== SECURE_ENVELOPE ===========> |  (sealed inner envelope)
//	    | <------ exempt message kinds ------> |  (already end-to-end sealed)
//
// Binary payload fields are []byte in Go and therefore travel as base64
// strings inside JSON, so no encoded frame ever contains a raw newline.
package protocol

// Kind identifies the type of an envelope. The string value is the wire tag.
type Kind string

// Handshake kinds.
const (
	// KindServerHello carries the server's encoded ML-KEM public key.
	KindServerHello Kind = "KYBER_SERVER_HELLO"
	// KindClientFinish carries the client's KEM encapsulation.
	KindClientFinish Kind = "KYBER_CLIENT_FINISH"
)

// Tunnel kind.
const (
	// KindSecureEnvelope carries a session-tunnel sealed inner envelope.
	KindSecureEnvelope Kind = "SECURE_ENVELOPE"
)

// Account kinds.
const (
	KindRegisterRequest  Kind = "REGISTER_REQUEST"
	KindRegisterResponse Kind = "REGISTER_RESPONSE"
	KindLoginRequest     Kind = "LOGIN_REQUEST"
	KindLoginResponse    Kind = "LOGIN_RESPONSE"
)

// Conversation kinds.
const (
	KindEnterChatRequest  Kind = "ENTER_CHAT_REQUEST"
	KindEnterChatResponse Kind = "ENTER_CHAT_RESPONSE"
	KindExitChatRequest   Kind = "EXIT_CHAT_REQUEST"
	KindExitChatResponse  Kind = "EXIT_CHAT_RESPONSE"
)

// Message kinds.
const (
	KindSendMessage            Kind = "SEND_MESSAGE"
	KindReceiveMessage         Kind = "RECEIVE_MESSAGE"
	KindGetMessagesResponse    Kind = "GET_MESSAGES_RESPONSE"
	KindEditMessageRequest     Kind = "EDIT_MESSAGE_REQUEST"
	KindEditMessageBroadcast   Kind = "EDIT_MESSAGE_BROADCAST"
	KindDeleteMessageRequest   Kind = "DELETE_MESSAGE_REQUEST"
	KindDeleteMessageBroadcast Kind = "DELETE_MESSAGE_BROADCAST"
)

// Key distribution kind.
const (
	// KindExchangeSessionKey distributes a conversation key. It is not
	// exempt from the tunnel, so key material never travels unsealed.
	KindExchangeSessionKey Kind = "EXCHANGE_SESSION_KEY"
)

var allKinds = []Kind{
	KindServerHello,
	KindClientFinish,
	KindSecureEnvelope,
	KindRegisterRequest,
	KindRegisterResponse,
	KindLoginRequest,
	KindLoginResponse,
	KindEnterChatRequest,
	KindEnterChatResponse,
	KindExitChatRequest,
	KindExitChatResponse,
	KindSendMessage,
	KindReceiveMessage,
	KindGetMessagesResponse,
	KindEditMessageRequest,
	KindEditMessageBroadcast,
	KindDeleteMessageRequest,
	KindDeleteMessageBroadcast,
	KindExchangeSessionKey,
}

var knownKinds = func() map[Kind]struct{} {
	m := make(map[Kind]struct{}, len(allKinds))
	for _, k := range allKinds {
		m[k] = struct{}{}
	}
	return m
}()

// Kinds returns every recognized kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// String returns the wire tag.
func (k Kind) String() string {
	return string(k)
}

// TunnelExempt reports whether k bypasses the session tunnel. These kinds
// already carry end-to-end sealed content.
func (k Kind) TunnelExempt() bool {
	switch k {
	case KindSendMessage,
		KindReceiveMessage,
		KindGetMessagesResponse,
		KindEditMessageBroadcast,
		KindDeleteMessageBroadcast:
		return true
	default:
		return false
	}
}

// HandshakePhase reports whether k is valid traffic before the tunnel is up.
func (k Kind) HandshakePhase() bool {
	return k == KindServerHello || k == KindClientFinish
}
