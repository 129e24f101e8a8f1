// Package crypto seals secret store values with Fernet tokens.
package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fernet/fernet-go"
)

// ErrInvalidToken is returned when a token fails verification or decryption.
var ErrInvalidToken = errors.New("decrypt: invalid token")

// Sealer encrypts and authenticates values with a single Fernet key.
type Sealer struct {
	key *fernet.Key
}

// NewSealer builds a Sealer from an encoded Fernet key.
func NewSealer(encodedKey string) (*Sealer, error) {
	key, err := fernet.DecodeKey(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// LoadOrCreateKey returns the encoded Fernet key stored at path, generating
// and persisting a new one (mode 0600) if the file does not exist.
func LoadOrCreateKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read master key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}

	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	encoded := k.Encode()

	// O_EXCL so two processes racing on first start do not clobber each other.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return LoadOrCreateKey(path)
		}
		return "", fmt.Errorf("create master key: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(encoded + "\n"); err != nil {
		return "", fmt.Errorf("write master key: %w", err)
	}
	return encoded, nil
}

// Seal encrypts plaintext and returns the Fernet token.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(plaintext, s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Open verifies and decrypts a token produced by Seal. Tokens never expire.
func (s *Sealer) Open(token string) ([]byte, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{s.key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	return msg, nil
}

// Mask hides all but the last four characters of value for display.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
