package chat

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/pzverkov/kyberchat/pkg/e2e"
	"github.com/pzverkov/kyberchat/pkg/metrics"
	"github.com/pzverkov/kyberchat/pkg/protocol"
	"github.com/pzverkov/kyberchat/pkg/tunnel"
)

// eventBuffer is the capacity of a conversation's event channel.
const eventBuffer = 64

// Message is a conversation message as shown to the user.
type Message struct {
	ID        int64
	SenderID  int64
	Timestamp int64
	Text      string

	// Encrypted is set when the content could not be opened; Text is then
	// e2e.Placeholder.
	Encrypted bool
}

func messageFrom(r e2e.Result) Message {
	return Message{
		ID:        r.Message.ID,
		SenderID:  r.Message.SenderID,
		Timestamp: r.Message.Timestamp,
		Text:      r.Text(),
		Encrypted: r.Err != nil,
	}
}

// Conversation is the client side of one chat. While entered it owns the
// session handler and keeps an ordered copy of the messages.
type Conversation struct {
	chatID  int64
	session *tunnel.Session
	layer   *e2e.Layer
	tracer  metrics.Tracer
	logger  *metrics.Logger

	mu       sync.Mutex
	messages []Message
	events   chan e2e.Event
	closed   bool
}

func newConversation(chatID int64, s *tunnel.Session, layer *e2e.Layer, tracer metrics.Tracer, logger *metrics.Logger) *Conversation {
	return &Conversation{
		chatID:  chatID,
		session: s,
		layer:   layer,
		tracer:  tracer,
		logger:  logger.With(metrics.Fields{"chat": chatID}),
		events:  make(chan e2e.Event, eventBuffer),
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() int64 { return c.chatID }

// Events delivers every processed inbound envelope. Events are dropped when
// the reader falls behind by more than the buffer. The channel is closed by
// Exit.
func (c *Conversation) Events() <-chan e2e.Event { return c.events }

// Messages returns a copy of the current message list.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Enter installs the conversation as the session handler, asks the server
// for the conversation and makes sure a conversation key exists.
func (c *Conversation) Enter(ctx context.Context) (err error) {
	ctx, end := c.tracer.StartSpan(ctx, metrics.SpanEnterChat, metrics.WithAttribute(metrics.AttrChatID, c.chatID))
	defer func() { end(err) }()

	c.session.SetHandler(c.handle)

	env, err := protocol.NewEnvelope(protocol.KindEnterChatRequest, c.session.UserID(), protocol.ConversationID(c.chatID))
	if err != nil {
		return err
	}
	if err := c.session.Send(ctx, env); err != nil {
		return err
	}
	if _, err := c.layer.EnsureKey(ctx, c.chatID); err != nil {
		return err
	}
	c.logger.Debug("entered conversation")
	return nil
}

// Exit tells the server the user left, removes the session handler and
// closes the event channel.
func (c *Conversation) Exit(ctx context.Context) error {
	env, err := protocol.NewEnvelope(protocol.KindExitChatRequest, c.session.UserID(), nil)
	if err != nil {
		return err
	}
	sendErr := c.session.Send(ctx, env)

	c.session.SetHandler(nil)
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	c.mu.Unlock()
	return sendErr
}

// Send seals text and sends it. When the conversation had no key yet a key
// exchange is sent instead and the error wraps errors.ErrRetryNeeded.
func (c *Conversation) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return c.layer.SendMessage(ctx, c.chatID, text)
}

// Edit replaces the content of messageID.
func (c *Conversation) Edit(ctx context.Context, messageID int64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return c.layer.EditMessage(ctx, c.chatID, messageID, text)
}

// Delete asks the server to delete messageID.
func (c *Conversation) Delete(ctx context.Context, messageID int64) error {
	return c.layer.DeleteMessage(ctx, messageID)
}

// handle runs on the session read loop.
func (c *Conversation) handle(env *protocol.Envelope) {
	ev, err := c.layer.Open(c.chatID, env)
	if err != nil {
		c.logger.Warn("dropping envelope", metrics.Fields{"kind": string(env.Kind), "error": err.Error()})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.apply(ev)

	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event dropped, reader is behind", metrics.Fields{"kind": string(env.Kind)})
	}
}

// apply updates the message list. Callers hold c.mu.
func (c *Conversation) apply(ev e2e.Event) {
	switch ev := ev.(type) {
	case e2e.HistoryEvent:
		c.messages = c.messages[:0]
		for _, r := range ev.Results {
			c.messages = append(c.messages, messageFrom(r))
		}
	case e2e.MessageEvent:
		if ev.Message.ChatID == c.chatID {
			c.messages = append(c.messages, messageFrom(ev.Result))
		}
	case e2e.EditEvent:
		if i := c.index(ev.MessageID); i >= 0 {
			c.messages[i].Text = ev.Text()
			c.messages[i].Encrypted = ev.Err != nil
		}
	case e2e.DeleteEvent:
		if i := c.index(ev.MessageID); i >= 0 {
			c.messages = slices.Delete(c.messages, i, i+1)
		}
	}
}

func (c *Conversation) index(id int64) int {
	return slices.IndexFunc(c.messages, func(m Message) bool { return m.ID == id })
}
