package crypto

import (
	"encoding/base64"
	"testing"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(testKey(), 1)
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"password", "hunter2"},
		{"api_key", "abc123XYZ789"},
		{"long", "a broker api secret that is considerably longer than one block"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := s.Seal(tt.plaintext)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if !IsSealed(sealed) {
				t.Errorf("sealed value missing version prefix: %s", sealed)
			}
			opened, err := s.Open(sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if opened != tt.plaintext {
				t.Errorf("opened = %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	s, _ := NewSealer(testKey(), 1)
	c1, _ := s.Seal("same-secret")
	c2, _ := s.Seal("same-secret")
	if c1 == c2 {
		t.Error("two seals of the same plaintext must differ")
	}
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	if _, err := NewSealer([]byte("short"), 1); err != ErrInvalidKey {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestOpenRejectsMalformedValues(t *testing.T) {
	s, _ := NewSealer(testKey(), 1)
	for _, bad := range []string{"", "plaintext-password", "ENC[v1]:", "ENC[v1]:!!!bad"} {
		if _, err := s.Open(bad); err == nil {
			t.Errorf("Open(%q) should fail", bad)
		}
	}
}

func TestSealedVersion(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"ENC[v1]:data", 1},
		{"ENC[v2]:data", 2},
		{"ENC[v10]:data", 10},
		{"plaintext", 0},
		{"ENC[vX]:data", 0},
	}
	for _, tt := range tests {
		if got := SealedVersion(tt.value); got != tt.want {
			t.Errorf("SealedVersion(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestKeyringRotation(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	t.Setenv(keyEnvPrefix, k1)
	t.Setenv(keyEnvPrefix+"_V2", k2)

	kr, err := LoadKeyring()
	if err != nil {
		t.Fatalf("LoadKeyring failed: %v", err)
	}
	if kr.CurrentVersion() != 2 {
		t.Errorf("CurrentVersion = %d, want 2", kr.CurrentVersion())
	}

	// A value sealed under v1 still opens after rotation.
	raw, _ := base64.StdEncoding.DecodeString(k1)
	old, _ := NewSealer(raw, 1)
	sealed, _ := old.Seal("legacy-password")

	opened, err := kr.Open(sealed)
	if err != nil {
		t.Fatalf("Open of v1 value failed: %v", err)
	}
	if opened != "legacy-password" {
		t.Errorf("opened = %q", opened)
	}

	resealed, err := kr.Reseal(sealed)
	if err != nil {
		t.Fatalf("Reseal failed: %v", err)
	}
	if SealedVersion(resealed) != 2 {
		t.Errorf("resealed version = %d, want 2", SealedVersion(resealed))
	}
}

func TestLoadKeyringRequiresPrimary(t *testing.T) {
	t.Setenv(keyEnvPrefix, "")
	if _, err := LoadKeyring(); err == nil {
		t.Error("LoadKeyring must fail without the primary key")
	}
}
