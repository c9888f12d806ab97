// Package keystore holds per-conversation end-to-end keys.
//
// A key is a 32-byte AES-256 key identified by the conversation id. The
// latest Put for a conversation wins; there is no versioning.
package keystore

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/pzverkov/kyberchat/internal/constants"
	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/crypto"
)

// Store persists conversation keys. Implementations are safe for concurrent
// use.
type Store interface {
	// Has reports whether a key exists for chatID.
	Has(chatID int64) (bool, error)

	// Get returns the key for chatID or an error wrapping ErrNoKey.
	Get(chatID int64) ([]byte, error)

	// Put stores key for chatID, replacing any previous key.
	Put(chatID int64, key []byte) error

	// Generate returns a fresh random key. It does not store it.
	Generate() ([]byte, error)

	// Keys lists the conversations with a stored key in ascending order.
	Keys() ([]int64, error)

	// Delete forgets the key for chatID. Deleting an absent key is not an error.
	Delete(chatID int64) error
}

func checkKey(key []byte) error {
	if len(key) != constants.ConversationKeySize {
		return fmt.Errorf("%w: conversation key is %d bytes, want %d",
			qerrors.ErrInvalidKeySize, len(key), constants.ConversationKeySize)
	}
	return nil
}

func noKey(chatID int64) error {
	return fmt.Errorf("%w %d", qerrors.ErrNoKey, chatID)
}

// MemoryStore keeps keys in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[int64][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[int64][]byte)}
}

// Has implements Store.
func (s *MemoryStore) Has(chatID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[chatID]
	return ok, nil
}

// Get implements Store.
func (s *MemoryStore) Get(chatID int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[chatID]
	if !ok {
		return nil, noKey(chatID)
	}
	return slices.Clone(key), nil
}

// Put implements Store.
func (s *MemoryStore) Put(chatID int64, key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.keys[chatID]; ok {
		crypto.Zeroize(old)
	}
	s.keys[chatID] = slices.Clone(key)
	return nil
}

// Generate implements Store.
func (s *MemoryStore) Generate() ([]byte, error) {
	return crypto.GenerateKey()
}

// Keys implements Store.
func (s *MemoryStore) Keys() ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.keys)), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.keys[chatID]; ok {
		crypto.Zeroize(old)
		delete(s.keys, chatID)
	}
	return nil
}
