// Package crypto seals broker credentials at rest. Sealed values carry a
// key-version prefix so the brokers file can hold secrets encrypted under
// rotated keys side by side.
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
	// KeySize is the AES-256 key length.
	KeySize = 32
	// nonceSize is the GCM nonce length.
	nonceSize = 12
)

var (
	ErrInvalidKey = errors.New("invalid sealing key: must be 32 bytes")
	ErrNotSealed  = errors.New("value is not a sealed credential")
	ErrOpenFailed = errors.New("credential unseal failed")
)

// Sealer encrypts and decrypts credentials under one key version using
// AES-256-GCM. Sealed form: ENC[vN]:base64(nonce + ciphertext).
type Sealer struct {
	key     []byte
	version int
}

func NewSealer(key []byte, version int) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Sealer{key: key, version: version}, nil
}

// Version returns the key version this sealer writes.
func (s *Sealer) Version() int { return s.version }

// Seal encrypts a credential. Each call produces a distinct ciphertext
// because the nonce is random.
func (s *Sealer) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:", s.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed credential produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	idx := strings.Index(sealed, "]:")
	if !strings.HasPrefix(sealed, "ENC[v") || idx == -1 {
		return "", ErrNotSealed
	}
	data, err := base64.StdEncoding.DecodeString(sealed[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrNotSealed
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether a credential value is in sealed form.
func IsSealed(value string) bool {
	return SealedVersion(value) > 0
}

// SealedVersion extracts the key version a sealed value was written under,
// or 0 when the value is not sealed.
func SealedVersion(value string) int {
	if !strings.HasPrefix(value, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(value, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}
