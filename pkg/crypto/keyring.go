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
	ErrNoKeys         = errors.New("no sealing key configured")
	ErrVersionUnknown = errors.New("sealed under an unavailable key version")
)

// Keyring holds sealing keys by version so rotated credentials keep
// unsealing. Keys load from environment variables:
//
//	GATEWAY_MASTER_KEY      (version 1, base64, 32 bytes)
//	GATEWAY_MASTER_KEY_V2   (version 2)
//	...
//
// New seals always use the highest loaded version.
type Keyring struct {
	mu      sync.RWMutex
	current int
	sealers map[int]*Sealer
}

const keyEnvPrefix = "GATEWAY_MASTER_KEY"

// LoadKeyring reads sealing keys from the environment. It fails when the
// primary key is missing or malformed.
func LoadKeyring() (*Keyring, error) {
	kr := &Keyring{sealers: make(map[int]*Sealer)}
	if err := kr.load(1, keyEnvPrefix); err != nil {
		return nil, fmt.Errorf("load primary sealing key: %w", err)
	}
	kr.current = 1
	for v := 2; v <= 10; v++ {
		if err := kr.load(v, fmt.Sprintf("%s_V%d", keyEnvPrefix, v)); err == nil {
			kr.current = v
		}
	}
	return kr, nil
}

func (kr *Keyring) load(version int, envName string) error {
	encoded := os.Getenv(envName)
	if encoded == "" {
		return ErrNoKeys
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode %s: %w", envName, err)
	}
	s, err := NewSealer(key, version)
	if err != nil {
		return fmt.Errorf("sealing key v%d: %w", version, err)
	}
	kr.sealers[version] = s
	return nil
}

// Seal encrypts under the newest key version.
func (kr *Keyring) Seal(plaintext string) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	s, ok := kr.sealers[kr.current]
	if !ok {
		return "", ErrNoKeys
	}
	return s.Seal(plaintext)
}

// Open decrypts a sealed value under whichever key version wrote it.
func (kr *Keyring) Open(sealed string) (string, error) {
	version := SealedVersion(sealed)
	if version == 0 {
		return "", ErrNotSealed
	}
	kr.mu.RLock()
	s, ok := kr.sealers[version]
	kr.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrVersionUnknown, version)
	}
	return s.Open(sealed)
}

// Reseal rewrites a sealed value under the newest key. Used when retiring
// an old key version.
func (kr *Keyring) Reseal(sealed string) (string, error) {
	plaintext, err := kr.Open(sealed)
	if err != nil {
		return "", err
	}
	return kr.Seal(plaintext)
}

// CurrentVersion returns the version new seals are written under.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// GenerateKey returns a fresh base64-encoded AES-256 key for operators
// provisioning GATEWAY_MASTER_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
