// Package kyberchat is a client for the kyberchat end-to-end encrypted chat
// service.
//
// Every connection starts with an ML-KEM-1024 handshake. The server sends its
// encapsulation key, the client encapsulates against it, and the shared
// secret becomes the session key for the tunnel. Afterwards each envelope is
// a single line of JSON; all kinds except the message kinds are wrapped in a
// SECURE_ENVELOPE sealed with the session key. Message content is sealed a
// second time with a per-conversation key that only the participants hold.
//
// # Quick Start
//
//	import "github.com/pzverkov/kyberchat/pkg/chat"
//
//	client, _ := chat.NewClient(chat.Config{
//		Address: "chat.example.org:5000",
//		Store:   keystore.NewMemoryStore(),
//	})
//	defer client.Close()
//
//	user, _ := client.Login(ctx, "alice", "secret")
//	conv, _ := client.Conversation(42)
//	_ = conv.Enter(ctx)
//	_ = conv.Send(ctx, "hello")
//	for ev := range conv.Events() {
//		...
//	}
//
// # Package Structure
//
//   - pkg/chat: account operations and conversations
//   - pkg/e2e: per-conversation encryption, key exchange and event decoding
//   - pkg/tunnel: session handshake, read loop and ordered writer
//   - pkg/protocol: envelope kinds, payloads and the line codec
//   - pkg/crypto: ML-KEM, AEAD suites and fingerprints
//   - pkg/keystore: conversation key storage (memory and bbolt)
//   - pkg/metrics: logging, counters, tracing and the Prometheus exporter
//   - internal/config: TOML configuration
//   - cmd/kyberchat: terminal client
//
// # Testing
//
//	go test ./...
//	go test -fuzz=FuzzDecode ./pkg/protocol
//	go test -tags otel ./pkg/metrics
package kyberchat
