package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	ErrMissingKey       = errors.New("encryption key is missing")
	ErrInvalidKey       = errors.New("encryption key must be 32 bytes of hex")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Vault encrypts and decrypts secrets at rest with a single process-wide
// AES-256-GCM key. Ciphertext is base64(nonce || sealed).
type Vault struct {
	aead cipher.AEAD
}

func New(keyHex string) (*Vault, error) {
	if keyHex == "" {
		return nil, ErrMissingKey
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext. The empty string passes through unchanged so that
// absent secrets stay absent.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt under the same key. Anything
// else fails with ErrDecryptionFailed; the error never carries plaintext.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrDecryptionFailed
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}
