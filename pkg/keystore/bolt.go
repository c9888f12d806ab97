package keystore

import (
	"bytes"
	"crypto/cipher"
	"fmt"
	"slices"
	"strconv"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/crypto"
	"github.com/pzverkov/kyberchat/pkg/metrics"
)

const (
	metaBucket = "meta"
	keysBucket = "conversation_keys"

	versionKey  = "version"
	saltKey     = "salt"
	paramsKey   = "scrypt"
	verifierKey = "check"

	formatVersion = 1
	saltSize      = 16
)

var checkPlaintext = []byte("kyberchat keystore")

// ScryptParams are the key derivation cost parameters.
type ScryptParams struct {
	N, R, P int
}

// DefaultScryptParams returns the parameters used for new stores.
func DefaultScryptParams() ScryptParams {
	return ScryptParams{N: 1 << 15, R: 8, P: 1}
}

// BoltOption configures OpenBolt.
type BoltOption func(*boltOptions)

type boltOptions struct {
	params ScryptParams
	logger *metrics.Logger
}

// WithScryptParams sets the derivation cost used when creating a store.
// Existing stores keep the parameters they were created with.
func WithScryptParams(p ScryptParams) BoltOption {
	return func(o *boltOptions) { o.params = p }
}

// WithLogger sets the store logger.
func WithLogger(l *metrics.Logger) BoltOption {
	return func(o *boltOptions) { o.logger = l }
}

// BoltStore keeps keys in a bbolt file, each sealed with
// XChaCha20-Poly1305 under a key derived from a passphrase with scrypt.
type BoltStore struct {
	db     *bolt.DB
	aead   cipher.AEAD
	logger *metrics.Logger
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the store at path. A passphrase that does not
// match the one the store was created with yields ErrWrongPassphrase.
func OpenBolt(path, passphrase string, opts ...BoltOption) (*BoltStore, error) {
	o := boltOptions{params: DefaultScryptParams()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = metrics.GetLogger()
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	s := &BoltStore{db: db, logger: o.logger.Named("keystore")}

	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(keysBucket)); err != nil {
			return err
		}

		if v := meta.Get([]byte(versionKey)); v != nil {
			return s.unlock(meta, passphrase)
		}
		return s.initialize(meta, passphrase, o.params)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// initialize writes fresh metadata for a new store.
func (s *BoltStore) initialize(meta *bolt.Bucket, passphrase string, p ScryptParams) error {
	salt, err := crypto.SecureRandomBytes(saltSize)
	if err != nil {
		return err
	}
	if err := s.derive(passphrase, salt, p); err != nil {
		return err
	}
	check, err := s.seal(checkPlaintext, []byte(verifierKey))
	if err != nil {
		return err
	}

	for k, v := range map[string][]byte{
		versionKey:  {formatVersion},
		saltKey:     salt,
		paramsKey:   []byte(fmt.Sprintf("%d:%d:%d", p.N, p.R, p.P)),
		verifierKey: check,
	} {
		if err := meta.Put([]byte(k), v); err != nil {
			return err
		}
	}
	s.logger.Info("created key store")
	return nil
}

// unlock derives the key for an existing store and verifies it.
func (s *BoltStore) unlock(meta *bolt.Bucket, passphrase string) error {
	if v := meta.Get([]byte(versionKey)); len(v) != 1 || v[0] != formatVersion {
		return fmt.Errorf("keystore: incompatible version %v", v)
	}

	var p ScryptParams
	if _, err := fmt.Sscanf(string(meta.Get([]byte(paramsKey))), "%d:%d:%d", &p.N, &p.R, &p.P); err != nil {
		return fmt.Errorf("keystore: bad scrypt parameters: %w", err)
	}
	if err := s.derive(passphrase, meta.Get([]byte(saltKey)), p); err != nil {
		return err
	}

	check, err := s.open(meta.Get([]byte(verifierKey)), []byte(verifierKey))
	if err != nil || !bytes.Equal(check, checkPlaintext) {
		return qerrors.ErrWrongPassphrase
	}
	return nil
}

func (s *BoltStore) derive(passphrase string, salt []byte, p ScryptParams) error {
	key, err := scrypt.Key([]byte(passphrase), salt, p.N, p.R, p.P, chacha20poly1305.KeySize)
	if err != nil {
		return qerrors.NewCryptoError("derive store key", err)
	}
	defer crypto.Zeroize(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return qerrors.NewCryptoError("derive store key", err)
	}
	s.aead = aead
	return nil
}

// seal returns nonce || ciphertext, bound to ad.
func (s *BoltStore) seal(plaintext, ad []byte) ([]byte, error) {
	nonce, err := crypto.SecureRandomBytes(s.aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, ad), nil
}

func (s *BoltStore) open(sealed, ad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, qerrors.ErrCiphertextTooShort
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], ad)
}

func idKey(chatID int64) []byte {
	return []byte(strconv.FormatInt(chatID, 10))
}

// Has implements Store.
func (s *BoltStore) Has(chatID int64) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket([]byte(keysBucket)).Get(idKey(chatID)) != nil
		return nil
	})
	return ok, err
}

// Get implements Store.
func (s *BoltStore) Get(chatID int64) ([]byte, error) {
	var sealed []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		// Values are only valid inside the transaction.
		sealed = slices.Clone(tx.Bucket([]byte(keysBucket)).Get(idKey(chatID)))
		return nil
	}); err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, noKey(chatID)
	}

	key, err := s.open(sealed, idKey(chatID))
	if err != nil {
		return nil, fmt.Errorf("%w: chat %d: %w", qerrors.ErrWrongPassphrase, chatID, err)
	}
	return key, nil
}

// Put implements Store.
func (s *BoltStore) Put(chatID int64, key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	sealed, err := s.seal(key, idKey(chatID))
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).Put(idKey(chatID), sealed)
	}); err != nil {
		return err
	}
	s.logger.Debug("stored conversation key", metrics.Fields{"chat": chatID, "key": crypto.Fingerprint(key)})
	return nil
}

// Generate implements Store.
func (s *BoltStore) Generate() ([]byte, error) {
	return crypto.GenerateKey()
}

// Keys implements Store.
func (s *BoltStore) Keys() ([]int64, error) {
	var ids []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).ForEach(func(k, _ []byte) error {
			id, err := strconv.ParseInt(string(k), 10, 64)
			if err != nil {
				return fmt.Errorf("keystore: bad entry %q: %w", k, err)
			}
			ids = append(ids, id)
			return nil
		})
	})
	slices.Sort(ids)
	return ids, err
}

// Delete implements Store.
func (s *BoltStore) Delete(chatID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).Delete(idKey(chatID))
	})
}

// Close syncs and closes the underlying file.
func (s *BoltStore) Close() error {
	_ = s.db.Sync()
	return s.db.Close()
}

// Path returns the file backing the store.
func (s *BoltStore) Path() string {
	return s.db.Path()
}
