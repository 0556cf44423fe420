package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("keyring has no active key")
)

const envKeyPrefix = "MASTER_ENCRYPTION_KEY"

// Keyring holds every known key id and seals new values with the newest one.
type Keyring struct {
	mu      sync.RWMutex
	current int
	keys    map[int]*sealer
}

// NewKeyring builds a keyring from raw 32-byte keys. The highest id is active.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	kr := &Keyring{keys: make(map[int]*sealer, len(keys))}
	for id, key := range keys {
		if id <= 0 {
			return nil, fmt.Errorf("key id must be positive, got %d", id)
		}
		s, err := newSealer(key, id)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", id, err)
		}
		kr.keys[id] = s
		if id > kr.current {
			kr.current = id
		}
	}
	if kr.current == 0 {
		return nil, ErrKeyNotLoaded
	}
	return kr, nil
}

// LoadKeyring reads base64 keys from the environment:
//   - MASTER_ENCRYPTION_KEY (id 1, required)
//   - MASTER_ENCRYPTION_KEY_V2 .. _V10 (optional rotations)
func LoadKeyring() (*Keyring, error) {
	keys := make(map[int][]byte)
	primary, err := keyFromEnv(envKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	keys[1] = primary
	for id := 2; id <= 10; id++ {
		if k, err := keyFromEnv(fmt.Sprintf("%s_V%d", envKeyPrefix, id)); err == nil {
			keys[id] = k
		}
	}
	return NewKeyring(keys)
}

func keyFromEnv(name string) ([]byte, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", name, err)
	}
	return key, nil
}

// Seal encrypts with the active key and reports which key id was used.
func (kr *Keyring) Seal(plaintext, aad string) (string, int, error) {
	kr.mu.RLock()
	s := kr.keys[kr.current]
	kr.mu.RUnlock()
	if s == nil {
		return "", 0, ErrKeyNotLoaded
	}
	out, err := s.seal(plaintext, aad)
	return out, s.id, err
}

// Open decrypts a value sealed under keyID. A missing key, a prefix that
// disagrees with keyID, or a failed tag check all yield ErrDecryptionFailed.
func (kr *Keyring) Open(ciphertext string, keyID int, aad string) (string, error) {
	embedded := ParseKeyID(ciphertext)
	if embedded == 0 {
		return "", ErrInvalidCiphertext
	}
	if embedded != keyID {
		return "", fmt.Errorf("%w: key id %d recorded, ciphertext sealed with %d", ErrDecryptionFailed, keyID, embedded)
	}
	kr.mu.RLock()
	s := kr.keys[keyID]
	kr.mu.RUnlock()
	if s == nil {
		return "", fmt.Errorf("%w: key id %d not loaded", ErrDecryptionFailed, keyID)
	}
	return s.open(ciphertext, aad)
}

// CurrentKeyID returns the id new values are sealed with.
func (kr *Keyring) CurrentKeyID() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// GenerateKey generates a new random 32-byte key suitable for AES-256.
// Returns the key as a base64-encoded string for easy storage.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
