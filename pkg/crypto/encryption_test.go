package crypto

import (
	"errors"
	"strings"
	"testing"
)

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestSealOpen(t *testing.T) {
	kr, err := NewKeyring(map[int][]byte{1: testKey(0)})
	if err != nil {
		t.Fatalf("NewKeyring failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"api_key", "abc123XYZ789"},
		{"long", "this is a very long string that represents an API secret from the exchange"},
		{"unicode", "中文測試 🔐"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, id, err := kr.Seal(tt.plaintext, "user-1")
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if id != 1 || !strings.HasPrefix(ciphertext, "ENC[k1]:") {
				t.Errorf("unexpected key id %d / prefix %q", id, ciphertext)
			}

			decrypted, err := kr.Open(ciphertext, id, "user-1")
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("decrypted = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestSealDifferentCiphertexts(t *testing.T) {
	kr, _ := NewKeyring(map[int][]byte{1: testKey(0)})

	c1, _, _ := kr.Seal("same-api-key", "u")
	c2, _, _ := kr.Seal("same-api-key", "u")
	if c1 == c2 {
		t.Error("expected different ciphertexts for same plaintext")
	}
}

func TestOpenRejectsMismatch(t *testing.T) {
	kr, _ := NewKeyring(map[int][]byte{1: testKey(0), 2: testKey(7)})
	if kr.CurrentKeyID() != 2 {
		t.Fatalf("expected newest key active, got %d", kr.CurrentKeyID())
	}
	ct, id, err := kr.Seal("secret", "user-1")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	t.Run("wrong owner", func(t *testing.T) {
		if _, err := kr.Open(ct, id, "user-2"); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("expected ErrDecryptionFailed, got %v", err)
		}
	})
	t.Run("recorded key id disagrees", func(t *testing.T) {
		if _, err := kr.Open(ct, 1, "user-1"); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("expected ErrDecryptionFailed, got %v", err)
		}
	})
	t.Run("key rotated away", func(t *testing.T) {
		other, _ := NewKeyring(map[int][]byte{1: testKey(0)})
		if _, err := other.Open(ct, id, "user-1"); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("expected ErrDecryptionFailed, got %v", err)
		}
	})
	t.Run("same id different key material", func(t *testing.T) {
		other, _ := NewKeyring(map[int][]byte{2: testKey(9)})
		if _, err := other.Open(ct, id, "user-1"); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("expected ErrDecryptionFailed, got %v", err)
		}
	})
}

func TestInvalidKey(t *testing.T) {
	_, err := NewKeyring(map[int][]byte{1: []byte("short")})
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewKeyring(nil); !errors.Is(err, ErrKeyNotLoaded) {
		t.Errorf("expected ErrKeyNotLoaded, got %v", err)
	}
}

func TestOpenInvalidCiphertext(t *testing.T) {
	kr, _ := NewKeyring(map[int][]byte{1: testKey(0)})

	invalids := []string{
		"",
		"not-encrypted",
		"ENC[k1]:",
		"ENC[k1]:!!!invalid",
	}
	for _, invalid := range invalids {
		if _, err := kr.Open(invalid, 1, ""); err == nil {
			t.Errorf("expected error for invalid ciphertext: %s", invalid)
		}
	}
}

func TestParseKeyID(t *testing.T) {
	tests := []struct {
		ciphertext string
		expected   int
	}{
		{"ENC[k1]:data", 1},
		{"ENC[k10]:data", 10},
		{"invalid", 0},
		{"ENC[kX]:data", 0},
	}
	for _, tt := range tests {
		if got := ParseKeyID(tt.ciphertext); got != tt.expected {
			t.Errorf("ParseKeyID(%q) = %d, want %d", tt.ciphertext, got, tt.expected)
		}
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"abc":          "***",
		"abcd":         "****",
		"APIKEY123456": "********3456",
	}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
