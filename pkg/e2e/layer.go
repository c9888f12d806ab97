// Package e2e seals message content under per-conversation keys before it
// reaches the session tunnel, and opens it after it leaves.
//
// Message, edit and history envelopes carry ciphertext the server cannot
// read. Keys are distributed with EXCHANGE_SESSION_KEY envelopes, which the
// tunnel protects; this layer never handles the tunnel key.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pzverkov/kyberchat/internal/constants"
	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/crypto"
	"github.com/pzverkov/kyberchat/pkg/keystore"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/protocol"
)

// Sender writes envelopes to the server. *tunnel.Session satisfies it.
type Sender interface {
	Send(ctx context.Context, env *protocol.Envelope) error
	UserID() int64
}

// Config configures a Layer.
type Config struct {
	Store  keystore.Store
	Sender Sender

	// CipherFactory builds the message cipher from a conversation key.
	// Defaults to AES-256-GCM.
	CipherFactory crypto.CipherFactory

	Collector *metrics.Collector
	Tracer    metrics.Tracer
	Logger    *metrics.Logger
}

// Layer is the end-to-end message crypto layer. It is safe for concurrent use.
type Layer struct {
	store     keystore.Store
	sender    Sender
	newCipher crypto.CipherFactory
	collector *metrics.Collector
	tracer    metrics.Tracer
	logger    *metrics.Logger

	// keyMu serializes key creation so that one conversation gets one
	// exchange even under concurrent sends.
	keyMu sync.Mutex
}

// New creates a Layer.
func New(cfg Config) (*Layer, error) {
	if cfg.Store == nil {
		return nil, errors.New("e2e: nil key store")
	}
	if cfg.Sender == nil {
		return nil, errors.New("e2e: nil sender")
	}
	if cfg.CipherFactory == nil {
		cfg.CipherFactory = crypto.NewCipherFactory(constants.CipherSuiteAES256GCM)
	}
	if cfg.Collector == nil {
		cfg.Collector = metrics.Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = metrics.GetTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = metrics.GetLogger()
	}
	return &Layer{
		store:     cfg.Store,
		sender:    cfg.Sender,
		newCipher: cfg.CipherFactory,
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger.Named("e2e"),
	}, nil
}

// EnsureKey makes sure a key exists for chatID. When none does it
// generates one, stores it and sends it to the server in an
// EXCHANGE_SESSION_KEY envelope. created reports whether that happened.
func (l *Layer) EnsureKey(ctx context.Context, chatID int64) (created bool, err error) {
	l.keyMu.Lock()
	defer l.keyMu.Unlock()

	ok, err := l.store.Has(chatID)
	if err != nil || ok {
		return false, err
	}

	ctx, end := l.tracer.StartSpan(ctx, metrics.SpanKeyExchange, metrics.WithAttribute(metrics.AttrChatID, chatID))
	defer func() { end(err) }()

	key, err := l.store.Generate()
	if err != nil {
		return false, err
	}
	defer crypto.Zeroize(key)

	if err := l.store.Put(chatID, key); err != nil {
		return false, err
	}

	env, err := protocol.NewEnvelope(protocol.KindExchangeSessionKey, l.sender.UserID(),
		protocol.SessionKey{ChatID: chatID, Key: key})
	if err != nil {
		return true, err
	}
	if err := l.sender.Send(ctx, env); err != nil {
		return true, fmt.Errorf("send conversation key: %w", err)
	}

	l.collector.RecordKeyExchangeSent()
	l.logger.Info("created conversation key", metrics.Fields{"chat": chatID, "key": crypto.Fingerprint(key)})
	return true, nil
}

// key returns the conversation key, starting a key exchange when there is
// none. In that case the error wraps ErrRetryNeeded.
func (l *Layer) key(ctx context.Context, chatID int64) ([]byte, error) {
	key, err := l.store.Get(chatID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, qerrors.ErrNoKey) {
		return nil, err
	}
	if _, err := l.EnsureKey(ctx, chatID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: chat %d", qerrors.ErrRetryNeeded, chatID)
}

func (l *Layer) seal(key, plaintext []byte) ([]byte, error) {
	defer crypto.Zeroize(key)
	c, err := l.newCipher(key)
	if err != nil {
		return nil, err
	}
	ct, err := c.Encrypt(plaintext)
	if err != nil {
		return nil, qerrors.NewCryptoError("seal message", err)
	}
	l.collector.RecordMessageEncrypted()
	return ct, nil
}

// SendMessage seals text under the conversation key and sends it as
// SEND_MESSAGE. Without a key it sends a new one and returns an error
// wrapping ErrRetryNeeded instead; the text is not sent.
func (l *Layer) SendMessage(ctx context.Context, chatID int64, text string) (err error) {
	ctx, end := l.tracer.StartSpan(ctx, metrics.SpanSendMessage, metrics.WithAttribute(metrics.AttrChatID, chatID))
	defer func() { end(err) }()

	key, err := l.key(ctx, chatID)
	if err != nil {
		return err
	}
	content, err := l.seal(key, []byte(text))
	if err != nil {
		return err
	}

	user := l.sender.UserID()
	env, err := protocol.NewEnvelope(protocol.KindSendMessage, user, protocol.Message{
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  user,
		ChatID:    chatID,
	})
	if err != nil {
		return err
	}
	return l.sender.Send(ctx, env)
}

// EditMessage seals text and sends it as the new content of messageID. The
// key policy is the same as for SendMessage.
func (l *Layer) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	key, err := l.key(ctx, chatID)
	if err != nil {
		return err
	}
	content, err := l.seal(key, []byte(text))
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(protocol.KindEditMessageRequest, l.sender.UserID(),
		protocol.EditMessage{MessageID: messageID, NewContent: content})
	if err != nil {
		return err
	}
	return l.sender.Send(ctx, env)
}

// DeleteMessage asks the server to delete messageID.
func (l *Layer) DeleteMessage(ctx context.Context, messageID int64) error {
	env, err := protocol.NewEnvelope(protocol.KindDeleteMessageRequest, l.sender.UserID(),
		protocol.MessageID(messageID))
	if err != nil {
		return err
	}
	return l.sender.Send(ctx, env)
}

// HandleKeyExchange stores a received conversation key, replacing any
// previous key for that conversation.
func (l *Layer) HandleKeyExchange(p protocol.SessionKey) error {
	if err := l.store.Put(p.ChatID, p.Key); err != nil {
		return err
	}
	l.collector.RecordKeyExchangeReceived()
	l.logger.Info("received conversation key", metrics.Fields{"chat": p.ChatID, "key": crypto.Fingerprint(p.Key)})
	return nil
}
