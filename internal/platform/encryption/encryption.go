// Package encryption provides the at-rest encryption used for vault
// documents and released access payloads.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Encryptor seals and opens opaque byte blobs.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Purposes used as HKDF info so each kind of data gets its own sub-key.
const (
	PurposeVault   = "medvault/vault-document/v1"
	PurposePayload = "medvault/access-payload/v1"
	// PurposeCredential seals uploaded doctor licence documents.
	PurposeCredential = "medvault/doctor-credential/v1"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// AESEncryptor is AES-256-GCM with the nonce prepended to the ciphertext.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor derives a 32-byte sub-key from masterKey for purpose using
// HKDF-SHA256 and returns an encryptor for it.
func NewAESEncryptor(masterKey []byte, purpose string) (*AESEncryptor, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("encryptor: master key must be 32 bytes, got %d", len(masterKey))
	}

	subKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(purpose)), subKey); err != nil {
		return nil, fmt.Errorf("encryptor: derive key: %w", err)
	}

	block, err := aes.NewCipher(subKey)
	if err != nil {
		return nil, fmt.Errorf("encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryptor: create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// NewAESEncryptorFromHex is NewAESEncryptor with a 64-char hex master key.
func NewAESEncryptorFromHex(hexKey, purpose string) (*AESEncryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryptor: decode hex key: %w", err)
	}
	return NewAESEncryptor(key, purpose)
}

func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("encrypt: generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryptor) Decrypt(data []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// NopEncryptor stores data as-is. Development only.
type NopEncryptor struct{}

func (NopEncryptor) Encrypt(p []byte) ([]byte, error) { return append([]byte(nil), p...), nil }
func (NopEncryptor) Decrypt(c []byte) ([]byte, error) { return append([]byte(nil), c...), nil }

// NewRandomKey returns a fresh 32-byte key.
func NewRandomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
