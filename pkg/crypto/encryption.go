// Package crypto seals exchange credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12
	// keyIDPrefix tags ciphertext with the id of the key that sealed it.
	keyIDPrefix = "ENC[k%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// sealer is one AES-256-GCM key with its identifier.
type sealer struct {
	id   int
	aead cipher.AEAD
}

func newSealer(key []byte, id int) (*sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &sealer{id: id, aead: gcm}, nil
}

// seal returns ENC[kN]:base64(nonce|ciphertext|tag). aad binds the value to
// its owner so a row cannot be copied onto another user.
func (s *sealer) seal(plaintext, aad string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return fmt.Sprintf(keyIDPrefix, s.id) + base64.StdEncoding.EncodeToString(out), nil
}

func (s *sealer) open(ciphertext, aad string) (string, error) {
	idx := strings.Index(ciphertext, "]:")
	if idx == -1 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", ErrInvalidCiphertext, err)
	}
	if len(data) < NonceSize+s.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := s.aead.Open(nil, data[:NonceSize], data[NonceSize:], []byte(aad))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// ParseKeyID extracts the key id from a sealed string; 0 if malformed.
func ParseKeyID(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[k") {
		return 0
	}
	var id int
	if _, err := fmt.Sscanf(ciphertext, "ENC[k%d]:", &id); err != nil {
		return 0
	}
	return id
}

// Mask hides all but the last 4 characters of a secret.
func Mask(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-4) + string(r[len(r)-4:])
}
