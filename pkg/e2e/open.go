package e2e

import (
	"context"
	"unicode/utf8"

	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/crypto"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/protocol"
)

// Result is one message after decryption. When Err is set, Plaintext is nil
// and Message.Content still holds the ciphertext.
type Result struct {
	Message   protocol.Message
	Plaintext []byte
	Err       *qerrors.MessageDecryptError
}

// Placeholder is shown in place of content that could not be decrypted.
const Placeholder = "[encrypted]"

// Text returns the plaintext, or Placeholder for a failed message.
func (r Result) Text() string {
	if r.Err != nil || !utf8.Valid(r.Plaintext) {
		return Placeholder
	}
	return string(r.Plaintext)
}

// keyCache memoizes conversation keys for one batch.
type keyCache struct {
	l    *Layer
	keys map[int64][]byte
	errs map[int64]error
}

func (l *Layer) newKeyCache() *keyCache {
	return &keyCache{l: l, keys: make(map[int64][]byte), errs: make(map[int64]error)}
}

func (c *keyCache) get(chatID int64) ([]byte, error) {
	if k, ok := c.keys[chatID]; ok {
		return k, nil
	}
	if err, ok := c.errs[chatID]; ok {
		return nil, err
	}
	k, err := c.l.store.Get(chatID)
	if err != nil {
		c.errs[chatID] = err
		return nil, err
	}
	c.keys[chatID] = k
	return k, nil
}

func (c *keyCache) wipe() {
	for _, k := range c.keys {
		crypto.Zeroize(k)
	}
}

func (l *Layer) open(keys *keyCache, chatID, messageID int64, content []byte) ([]byte, *qerrors.MessageDecryptError) {
	fail := func(err error) ([]byte, *qerrors.MessageDecryptError) {
		l.collector.RecordMessageDecryptError()
		return nil, &qerrors.MessageDecryptError{MessageID: messageID, ChatID: chatID, Err: err}
	}

	key, err := keys.get(chatID)
	if err != nil {
		return fail(err)
	}
	c, err := l.newCipher(key)
	if err != nil {
		return fail(err)
	}
	plaintext, err := c.Decrypt(content)
	if err != nil {
		return fail(err)
	}
	l.collector.RecordMessageDecrypted()
	return plaintext, nil
}

// DecryptMessage opens one message with its conversation key.
func (l *Layer) DecryptMessage(m protocol.Message) Result {
	keys := l.newKeyCache()
	defer keys.wipe()
	return l.decrypt(keys, m)
}

func (l *Layer) decrypt(keys *keyCache, m protocol.Message) Result {
	plaintext, derr := l.open(keys, m.ChatID, m.ID, m.Content)
	return Result{Message: m, Plaintext: plaintext, Err: derr}
}

// DecryptBatch opens every message independently. The result has one entry
// per input message in the same order; a failure is confined to its entry.
func (l *Layer) DecryptBatch(msgs []protocol.Message) []Result {
	_, end := l.tracer.StartSpan(context.Background(), metrics.SpanHistoryDecode,
		metrics.WithAttribute("messages", len(msgs)))

	keys := l.newKeyCache()
	defer keys.wipe()

	out := make([]Result, len(msgs))
	failed := 0
	for i, m := range msgs {
		out[i] = l.decrypt(keys, m)
		if out[i].Err != nil {
			failed++
		}
	}
	if failed > 0 {
		l.logger.Warn("messages left encrypted", metrics.Fields{"failed": failed, "total": len(msgs)})
	}
	end(nil)
	return out
}
