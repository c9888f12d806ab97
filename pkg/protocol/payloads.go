package protocol

import (
	"encoding/json"
	"fmt"

	qerrors "github.com/pzverkov/kyberchat/internal/errors"
)

// Payload is the typed body of an envelope. Each implementation belongs to
// exactly one or two kinds; DecodePayload selects it from the envelope tag.
type Payload interface {
	isPayload()
}

// ServerHello is the payload of KYBER_SERVER_HELLO: a bare base64 string.
type ServerHello struct {
	PublicKey []byte
}

// MarshalJSON encodes the public key as a bare base64 string.
func (p ServerHello) MarshalJSON() ([]byte, error) { return json.Marshal(p.PublicKey) }

// UnmarshalJSON decodes a bare base64 string.
func (p *ServerHello) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &p.PublicKey) }

// ClientFinish is the payload of KYBER_CLIENT_FINISH: a bare base64 string.
type ClientFinish struct {
	Encapsulation []byte
}

// MarshalJSON encodes the encapsulation as a bare base64 string.
func (p ClientFinish) MarshalJSON() ([]byte, error) { return json.Marshal(p.Encapsulation) }

// UnmarshalJSON decodes a bare base64 string.
func (p *ClientFinish) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &p.Encapsulation) }

// SecurePayload is the payload of SECURE_ENVELOPE: the sealed inner envelope
// as a bare base64 string.
type SecurePayload struct {
	Ciphertext []byte
}

// MarshalJSON encodes the ciphertext as a bare base64 string.
func (p SecurePayload) MarshalJSON() ([]byte, error) { return json.Marshal(p.Ciphertext) }

// UnmarshalJSON decodes a bare base64 string.
func (p *SecurePayload) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &p.Ciphertext) }

// AuthRequest is the payload of REGISTER_REQUEST and LOGIN_REQUEST.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// User identifies an account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// AuthResponse is the payload of REGISTER_RESPONSE and LOGIN_RESPONSE. The
// server sends either a user object or a bare error string.
type AuthResponse struct {
	User  *User
	Error string
}

// MarshalJSON encodes the user object, or the error string when no user is set.
func (p AuthResponse) MarshalJSON() ([]byte, error) {
	if p.User != nil {
		return json.Marshal(p.User)
	}
	return json.Marshal(p.Error)
}

// UnmarshalJSON accepts either shape.
func (p *AuthResponse) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = AuthResponse{Error: s}
		return nil
	}
	var u User
	if err := json.Unmarshal(b, &u); err != nil {
		return err
	}
	*p = AuthResponse{User: &u}
	return nil
}

// ConversationID is the payload of ENTER_CHAT_REQUEST: a bare integer.
type ConversationID int64

// Message is a stored chat message. Content is end-to-end sealed bytes and
// is opaque to the transport.
type Message struct {
	ID        int64  `json:"id"`
	Content   []byte `json:"content"`
	Timestamp int64  `json:"timestamp"`
	SenderID  int64  `json:"senderId"`
	ChatID    int64  `json:"chatId"`
}

// MessageHistory is the payload of GET_MESSAGES_RESPONSE.
type MessageHistory []Message

// EditMessage is the payload of EDIT_MESSAGE_REQUEST and EDIT_MESSAGE_BROADCAST.
type EditMessage struct {
	MessageID  int64  `json:"messageId"`
	NewContent []byte `json:"newContent"`
}

// MessageID is the payload of DELETE_MESSAGE_REQUEST and
// DELETE_MESSAGE_BROADCAST: a bare integer.
type MessageID int64

// SessionKey is the payload of EXCHANGE_SESSION_KEY.
type SessionKey struct {
	ChatID int64  `json:"chatId"`
	Key    []byte `json:"aesKeyBase64"`
}

// Raw is the payload of kinds whose body this client does not interpret
// (ENTER_CHAT_RESPONSE, EXIT_CHAT_REQUEST, EXIT_CHAT_RESPONSE). It may be empty.
type Raw json.RawMessage

// MarshalJSON emits the raw bytes, or null when empty.
func (p Raw) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(p).MarshalJSON()
}

// UnmarshalJSON keeps a copy of the raw bytes.
func (p *Raw) UnmarshalJSON(b []byte) error {
	*p = append((*p)[:0], b...)
	return nil
}

func (ServerHello) isPayload()    {}
func (ClientFinish) isPayload()   {}
func (SecurePayload) isPayload()  {}
func (AuthRequest) isPayload()    {}
func (AuthResponse) isPayload()   {}
func (ConversationID) isPayload() {}
func (Message) isPayload()        {}
func (MessageHistory) isPayload() {}
func (EditMessage) isPayload()    {}
func (MessageID) isPayload()      {}
func (SessionKey) isPayload()     {}
func (Raw) isPayload()            {}

// DecodePayload interprets the envelope payload according to its kind.
// A shape mismatch is reported as ErrMalformed.
func DecodePayload(env *Envelope) (Payload, error) {
	var (
		p   Payload
		err error
	)

	switch env.Kind {
	case KindServerHello:
		var v ServerHello
		err = unmarshalPayload(env, &v)
		p = v
	case KindClientFinish:
		var v ClientFinish
		err = unmarshalPayload(env, &v)
		p = v
	case KindSecureEnvelope:
		var v SecurePayload
		err = unmarshalPayload(env, &v)
		p = v
	case KindRegisterRequest, KindLoginRequest:
		var v AuthRequest
		err = unmarshalPayload(env, &v)
		p = v
	case KindRegisterResponse, KindLoginResponse:
		var v AuthResponse
		err = unmarshalPayload(env, &v)
		p = v
	case KindEnterChatRequest:
		var v ConversationID
		err = unmarshalPayload(env, &v)
		p = v
	case KindSendMessage, KindReceiveMessage:
		var v Message
		err = unmarshalPayload(env, &v)
		p = v
	case KindGetMessagesResponse:
		var v MessageHistory
		err = unmarshalPayload(env, &v)
		p = v
	case KindEditMessageRequest, KindEditMessageBroadcast:
		var v EditMessage
		err = unmarshalPayload(env, &v)
		p = v
	case KindDeleteMessageRequest, KindDeleteMessageBroadcast:
		var v MessageID
		err = unmarshalPayload(env, &v)
		p = v
	case KindExchangeSessionKey:
		var v SessionKey
		err = unmarshalPayload(env, &v)
		p = v
	case KindEnterChatResponse, KindExitChatRequest, KindExitChatResponse:
		p = Raw(env.Payload)
	default:
		return nil, &qerrors.DecodeError{Err: qerrors.ErrUnknownKind, Tag: string(env.Kind)}
	}

	if err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalPayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 {
		return &qerrors.DecodeError{
			Err: fmt.Errorf("%w: %s has no payload", qerrors.ErrMalformed, env.Kind),
			Tag: string(env.Kind),
		}
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return &qerrors.DecodeError{
			Err: fmt.Errorf("%w: %s payload: %v", qerrors.ErrMalformed, env.Kind, err),
			Tag: string(env.Kind),
		}
	}
	return nil
}
