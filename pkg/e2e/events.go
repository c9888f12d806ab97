package e2e

import (
	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/crypto"
	"github.com/pzverkov/kyberchat/pkg/protocol"
)

// Event is an inbound envelope after end-to-end processing. It is one of
// KeyEvent, MessageEvent, HistoryEvent, EditEvent, DeleteEvent or
// PassthroughEvent.
type Event interface {
	isEvent()
}

// KeyEvent reports a stored conversation key.
type KeyEvent struct {
	ChatID      int64
	Fingerprint string
}

// MessageEvent carries one received message.
type MessageEvent struct {
	Result
}

// HistoryEvent carries the stored history of the conversation just entered.
type HistoryEvent struct {
	Results []Result
}

// EditEvent carries the new content of an existing message.
type EditEvent struct {
	ChatID    int64
	MessageID int64
	Plaintext []byte
	Err       *qerrors.MessageDecryptError
}

// Text returns the new plaintext, or Placeholder when it could not be opened.
func (e EditEvent) Text() string {
	return Result{Plaintext: e.Plaintext, Err: e.Err}.Text()
}

// DeleteEvent reports a deleted message.
type DeleteEvent struct {
	MessageID int64
}

// PassthroughEvent carries an envelope this layer does not interpret.
type PassthroughEvent struct {
	Envelope *protocol.Envelope
}

func (KeyEvent) isEvent()         {}
func (MessageEvent) isEvent()     {}
func (HistoryEvent) isEvent()     {}
func (EditEvent) isEvent()        {}
func (DeleteEvent) isEvent()      {}
func (PassthroughEvent) isEvent() {}

// Open turns an inbound envelope into an Event. chatID is the conversation
// the caller is in; edit broadcasts carry no conversation id of their own.
// Messages are decrypted with the key of the conversation they name, or of
// chatID when they name none. A payload that does not decode is returned as
// an error and no event.
func (l *Layer) Open(chatID int64, env *protocol.Envelope) (Event, error) {
	switch env.Kind {
	case protocol.KindExchangeSessionKey,
		protocol.KindReceiveMessage,
		protocol.KindGetMessagesResponse,
		protocol.KindEditMessageBroadcast,
		protocol.KindDeleteMessageBroadcast:
	default:
		return PassthroughEvent{Envelope: env}, nil
	}

	p, err := env.Decode()
	if err != nil {
		return nil, err
	}

	switch v := p.(type) {
	case protocol.SessionKey:
		if err := l.HandleKeyExchange(v); err != nil {
			return nil, err
		}
		return KeyEvent{ChatID: v.ChatID, Fingerprint: crypto.Fingerprint(v.Key)}, nil

	case protocol.Message:
		if v.ChatID == 0 {
			v.ChatID = chatID
		}
		return MessageEvent{Result: l.DecryptMessage(v)}, nil

	case protocol.MessageHistory:
		msgs := []protocol.Message(v)
		for i := range msgs {
			if msgs[i].ChatID == 0 {
				msgs[i].ChatID = chatID
			}
		}
		return HistoryEvent{Results: l.DecryptBatch(msgs)}, nil

	case protocol.EditMessage:
		keys := l.newKeyCache()
		defer keys.wipe()
		plaintext, derr := l.open(keys, chatID, v.MessageID, v.NewContent)
		return EditEvent{ChatID: chatID, MessageID: v.MessageID, Plaintext: plaintext, Err: derr}, nil

	case protocol.MessageID:
		return DeleteEvent{MessageID: int64(v)}, nil
	}
	return PassthroughEvent{Envelope: env}, nil
}
