// Package secret seals API key secrets before they reach the database.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	nonceSize = 12
	keySize   = 32
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4

	sealedPrefix = "sealed:v1:"
)

var (
	ErrSealed       = errors.New("secret is sealed but no passphrase is configured")
	ErrNoPassphrase = errors.New("no passphrase configured")
)

// Sealer encrypts secrets with AES-256-GCM under a key derived once from a
// passphrase with Argon2id. A Sealer with no passphrase passes values through.
type Sealer struct {
	gcm cipher.AEAD
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMem, argonPar, keySize)
}

func NewSealer(passphrase, salt string) (*Sealer, error) {
	if passphrase == "" {
		return &Sealer{}, nil
	}
	block, err := aes.NewCipher(DeriveKey(passphrase, []byte(salt)))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Enabled reports whether values are actually encrypted.
func (s *Sealer) Enabled() bool {
	return s.gcm != nil
}

// Seal returns the stored form of plaintext:
// "sealed:v1:" + base64([12-byte nonce][ciphertext]).
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s.gcm == nil {
		return plaintext, nil
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values stored before sealing was enabled are returned
// unchanged.
func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if s.gcm == nil {
		return "", ErrSealed
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed secret: %w", err)
	}
	if len(data) < nonceSize {
		return "", fmt.Errorf("sealed secret too small")
	}
	plaintext, err := s.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SealBytes encrypts a blob as [12-byte nonce][ciphertext]. Unlike Seal it
// refuses to pass data through unencrypted.
func (s *Sealer) SealBytes(plaintext []byte) ([]byte, error) {
	if s.gcm == nil {
		return nil, ErrNoPassphrase
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Sealer) OpenBytes(data []byte) ([]byte, error) {
	if s.gcm == nil {
		return nil, ErrNoPassphrase
	}
	if len(data) < nonceSize {
		return nil, fmt.Errorf("sealed data too small")
	}
	plaintext, err := s.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
