// Package crypto seals local secrets (the credential token) with a fernet
// key kept alongside them in the key/value store.
package crypto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/yingjunnan/acweb/internal/kvstore"
)

const keySetting = "fernet_key"

// ErrInvalidToken is returned when a ciphertext fails verification, e.g. it
// was sealed with a different key or was stored in plaintext.
var ErrInvalidToken = errors.New("decrypt: invalid token")

// Sealer encrypts and decrypts values with the store's fernet key.
type Sealer struct {
	store kvstore.Store
	// mu serializes key creation so concurrent first uses agree on one key.
	mu sync.Mutex
}

func NewSealer(store kvstore.Store) *Sealer {
	return &Sealer{store: store}
}

func (s *Sealer) getKey() (*fernet.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keyStr, err := s.store.Get(keySetting)
	if errors.Is(err, kvstore.ErrNotFound) {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := s.store.Set(keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

func (s *Sealer) Encrypt(plaintext string) (string, error) {
	key, err := s.getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (s *Sealer) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := s.getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
