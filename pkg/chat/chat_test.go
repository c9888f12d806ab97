package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pzverkov/kyberchat/internal/constants"
	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/chat"
	"github.com/pzverkov/kyberchat/pkg/crypto"
	"github.com/pzverkov/kyberchat/pkg/e2e"
	"github.com/pzverkov/kyberchat/pkg/keystore"
	"github.com/pzverkov/kyberchat/pkg/protocol"
)

func TestNewClientValidation(t *testing.T) {
	_, err := chat.NewClient(chat.Config{Store: keystore.NewMemoryStore()})
	require.Error(t, err)
	_, err = chat.NewClient(chat.Config{Address: "x:1"})
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	tc := newTestClient(t)

	user, err := tc.client.Register(context.Background(), " bob ", "secret")
	require.NoError(t, err)
	require.EqualValues(t, 42, user.ID)
	require.Equal(t, "bob", user.Username)
	require.Equal(t, user, tc.client.User())
	require.EqualValues(t, 42, tc.client.Session().UserID())
	require.Equal(t, []protocol.Kind{protocol.KindRegisterRequest}, tc.server.kinds())
}

func TestRegisterRejected(t *testing.T) {
	tc := newTestClient(t)

	_, err := tc.client.Register(context.Background(), "taken", "secret")
	var authErr *chat.AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, protocol.KindRegisterRequest, authErr.Kind)
	require.Equal(t, "username already exists", authErr.Reason)
	require.Contains(t, err.Error(), "register rejected")
	require.Nil(t, tc.client.User())
}

func TestLoginRejected(t *testing.T) {
	tc := newTestClient(t)

	_, err := tc.client.Login(context.Background(), "ana", "nope")
	var authErr *chat.AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, "invalid credentials", authErr.Reason)

	_, err = tc.client.Conversation(1)
	require.ErrorIs(t, err, chat.ErrNotLoggedIn)
}

func TestLoginUsesFreshConnection(t *testing.T) {
	tc := newTestClient(t)
	tc.login(t)
	first := tc.client.Session()
	tc.login(t)

	require.Equal(t, 2, tc.server.connections())
	require.NotSame(t, first, tc.client.Session())
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("previous session still open")
	}
}

func TestEmptyCredentials(t *testing.T) {
	tc := newTestClient(t)
	for _, creds := range [][2]string{{"", "pw"}, {"ana", ""}, {"  ", "pw"}, {"ana", "   "}} {
		_, err := tc.client.Login(context.Background(), creds[0], creds[1])
		require.ErrorIs(t, err, chat.ErrEmptyCredentials)
	}
	require.Zero(t, tc.server.connections())
}

func TestLoginTimeout(t *testing.T) {
	tc := newTestClient(t, func(c *chat.Config) { c.ResponseTimeout = 100 * time.Millisecond })
	tc.server.setSilent(true)

	_, err := tc.client.Login(context.Background(), "ana", "pw")
	require.ErrorIs(t, err, qerrors.ErrTimeout)
	require.EqualValues(t, 1, tc.collector.Snapshot().ResponseTimeouts)
}

// next returns the next event of type T, skipping others.
func next[T e2e.Event](t *testing.T, conv *chat.Conversation) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-conv.Events():
			require.True(t, ok, "event channel closed")
			if v, ok := ev.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

func TestConversationFlow(t *testing.T) {
	tc := newTestClient(t)
	tc.login(t)
	ctx := context.Background()

	conv, err := tc.client.Conversation(7)
	require.NoError(t, err)
	require.EqualValues(t, 7, conv.ID())
	require.NoError(t, conv.Enter(ctx))

	history := next[e2e.HistoryEvent](t, conv)
	require.Empty(t, history.Results)

	// Entering a conversation without a key publishes one.
	require.Eventually(t, func() bool { return tc.server.key(7) != nil }, 5*time.Second, 10*time.Millisecond)
	local, err := tc.store.Get(7)
	require.NoError(t, err)
	require.Equal(t, local, tc.server.key(7))

	require.NoError(t, conv.Send(ctx, "hello"))
	msg := next[e2e.MessageEvent](t, conv)
	require.Equal(t, "hello", msg.Text())
	id := msg.Message.ID

	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, chat.Message{ID: id, SenderID: 42, Timestamp: msgs[0].Timestamp, Text: "hello"}, msgs[0])

	require.NoError(t, conv.Edit(ctx, id, "hello again"))
	edit := next[e2e.EditEvent](t, conv)
	require.Equal(t, "hello again", edit.Text())
	require.Equal(t, "hello again", conv.Messages()[0].Text)

	require.NoError(t, conv.Delete(ctx, id))
	del := next[e2e.DeleteEvent](t, conv)
	require.Equal(t, id, del.MessageID)
	require.Empty(t, conv.Messages())

	require.ErrorIs(t, conv.Send(ctx, "   "), chat.ErrEmptyMessage)
	require.ErrorIs(t, conv.Edit(ctx, id, ""), chat.ErrEmptyMessage)

	require.NoError(t, conv.Exit(ctx))
	for range conv.Events() {
	}
	require.NoError(t, conv.Exit(ctx))

	require.Eventually(t, func() bool {
		kinds := tc.server.kinds()
		return len(kinds) > 0 && kinds[len(kinds)-1] == protocol.KindExitChatRequest
	}, 5*time.Second, 10*time.Millisecond)
	require.Subset(t, tc.server.kinds(), []protocol.Kind{
		protocol.KindEnterChatRequest,
		protocol.KindExchangeSessionKey,
		protocol.KindSendMessage,
		protocol.KindEditMessageRequest,
		protocol.KindDeleteMessageRequest,
	})
}

func TestConversationHistoryKeepsUndecryptable(t *testing.T) {
	tc := newTestClient(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, tc.store.Put(7, key))
	aead, err := crypto.NewAEAD(constants.CipherSuiteAES256GCM, key)
	require.NoError(t, err)
	sealed, err := aead.Encrypt([]byte("readable"))
	require.NoError(t, err)

	tc.server.setHistory([]protocol.Message{
		{ID: 1, ChatID: 7, SenderID: 3, Content: sealed},
		{ID: 2, ChatID: 7, SenderID: 3, Content: []byte("sealed under a lost key")},
	})
	tc.login(t)

	conv, err := tc.client.Conversation(7)
	require.NoError(t, err)
	require.NoError(t, conv.Enter(context.Background()))
	next[e2e.HistoryEvent](t, conv)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "readable", msgs[0].Text)
	require.False(t, msgs[0].Encrypted)
	require.Equal(t, e2e.Placeholder, msgs[1].Text)
	require.True(t, msgs[1].Encrypted)

	// The stored key was kept; no exchange was needed.
	require.NotContains(t, tc.server.kinds(), protocol.KindExchangeSessionKey)
}
