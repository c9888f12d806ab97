package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pzverkov/kyberchat/internal/constants"
	qerrors "github.com/pzverkov/kyberchat/internal/errors"
)

// NoUser is the sender id used before authentication.
const NoUser = constants.NoUserID

// Envelope is the wire unit. The payload is kept raw so that the kind can be
// dispatched before the body is interpreted.
type Envelope struct {
	Kind     Kind            `json:"type"`
	SenderID int64           `json:"senderId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope, encoding payload as JSON. A nil payload
// produces an envelope without a body.
func NewEnvelope(kind Kind, sender int64, payload any) (*Envelope, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", qerrors.ErrUnknownKind, kind)
	}
	env := &Envelope{Kind: kind, SenderID: sender}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode interprets env's payload according to its kind.
func (env *Envelope) Decode() (Payload, error) {
	return DecodePayload(env)
}

// String returns a short description safe for logs. Payloads are never included.
func (env *Envelope) String() string {
	return fmt.Sprintf("%s(sender=%d, %dB)", env.Kind, env.SenderID, len(env.Payload))
}

// Encode serializes env as one JSON object followed by a newline.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", qerrors.ErrMalformed)
	}
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", qerrors.ErrUnknownKind, env.Kind)
	}

	buf := getBuffer()
	defer putBuffer(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encoder.Encode compacts raw payloads and appends the '\n' terminator.
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Kind, err)
	}

	out := buf.Bytes()
	if bytes.IndexByte(out[:len(out)-1], '\n') >= 0 {
		return nil, fmt.Errorf("%w: %s encodes to a multi-line frame", qerrors.ErrMalformed, env.Kind)
	}
	if len(out) > constants.MaxLineSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", qerrors.ErrFrameTooLarge, env.Kind, len(out))
	}
	return bytes.Clone(out), nil
}

type wireEnvelope struct {
	Kind     *string         `json:"type"`
	SenderID int64           `json:"senderId"`
	Payload  json.RawMessage `json:"payload"`
}

var jsonNull = []byte("null")

// Decode parses one frame. The trailing newline is optional. Syntax errors
// and a missing tag yield ErrMalformed; an unrecognized tag yields
// ErrUnknownKind. Both are wrapped in *errors.DecodeError.
func Decode(line []byte) (*Envelope, error) {
	line = bytes.TrimRight(line, "\r\n")

	var w wireEnvelope
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, &qerrors.DecodeError{Err: fmt.Errorf("%w: %v", qerrors.ErrMalformed, err)}
	}
	if w.Kind == nil || *w.Kind == "" {
		return nil, &qerrors.DecodeError{Err: fmt.Errorf("%w: missing type", qerrors.ErrMalformed)}
	}

	kind := Kind(*w.Kind)
	if !kind.Valid() {
		return nil, &qerrors.DecodeError{Err: qerrors.ErrUnknownKind, Tag: *w.Kind}
	}

	env := &Envelope{Kind: kind, SenderID: w.SenderID}
	if len(w.Payload) > 0 && !bytes.Equal(w.Payload, jsonNull) {
		env.Payload = w.Payload
	}
	return env, nil
}
