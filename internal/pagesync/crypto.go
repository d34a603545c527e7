package pagesync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const minSecretLen = 16

// resolveSecret picks the store secret: the externally supplied one, then a
// previously persisted key file, then a freshly generated key that is written
// next to the store.
func resolveSecret(external, keyPath string) (string, error) {
	if len(external) >= minSecretLen {
		return external, nil
	}

	if b, err := os.ReadFile(keyPath); err == nil {
		if k := strings.TrimSpace(string(b)); len(k) >= minSecretLen {
			return k, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Printf("[STORE] could not read encryption key file: %v", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate encryption key: %w", err)
	}
	key := hex.EncodeToString(buf)
	if err := os.WriteFile(keyPath, []byte(key), 0o600); err != nil {
		// The key still works for this process; the next start will not be
		// able to read what we write now.
		log.Printf("[STORE] could not save encryption key: %v", err)
	} else {
		log.Printf("[STORE] generated new encryption key")
	}
	return key, nil
}

// sealer encrypts store values with AES-256-GCM. Every Seal draws a fresh
// nonce, stored in front of the ciphertext.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(secret string) (*sealer, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("secret must be at least %d characters", minSecretLen)
	}
	key, err := scrypt.Key([]byte(secret), []byte(secret[:minSecretLen]), 1<<14, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) Seal(plain []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, plain, nil)
	return hex.EncodeToString(out), nil
}

func (s *sealer) Open(blob string) ([]byte, error) {
	raw, err := hex.DecodeString(blob)
	if err != nil {
		return nil, err
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	return s.aead.Open(nil, raw[:ns], raw[ns:], nil)
}
