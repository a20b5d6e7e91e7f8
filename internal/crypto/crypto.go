// Package crypto seals and opens profile secrets with AES-256-GCM.
//
// Sealed blobs are stored as "iv_hex:tag_hex:ciphertext_hex". The process key
// comes from ENCRYPTION_KEY when set (hex, base64, raw, or passphrase-derived
// by length), otherwise from the key file, which is generated on first use.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"

	"github.com/sentryfrogg/sentryfrogg/internal/paths"
)

const (
	// IVBytes is the GCM nonce length.
	IVBytes = 12
	// TagBytes is the GCM authentication tag length.
	TagBytes = 16

	keyBytes = 32

	// pbkdf2 parameters for passphrase-form ENCRYPTION_KEY values.
	deriveSalt   = "sentryfrogg.profiles.v1"
	deriveRounds = 210_000
)

// Manager holds the process encryption key.
type Manager struct {
	key []byte
}

// NewManager loads or creates the process key. Precedence: ENCRYPTION_KEY env,
// then the key file at keyPath, then a freshly generated key persisted there.
func NewManager(keyPath string) (*Manager, error) {
	if env := os.Getenv("ENCRYPTION_KEY"); env != "" {
		key, err := decodeKeyMaterial(env)
		if err != nil {
			return nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
		}
		return &Manager{key: key}, nil
	}

	key, err := loadOrCreateKeyFile(keyPath)
	if err != nil {
		return nil, err
	}
	return &Manager{key: key}, nil
}

// decodeKeyMaterial interprets key material by its shape: 64 hex chars, 44
// base64 chars, exactly 32 raw bytes, or anything else as a passphrase to
// derive a key from.
func decodeKeyMaterial(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == keyBytes*2 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	if len(s) == 44 {
		if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == keyBytes {
			return key, nil
		}
	}
	if len(s) == keyBytes {
		return []byte(s), nil
	}
	if len(s) < 8 {
		return nil, fmt.Errorf("key material too short (%d chars)", len(s))
	}
	return pbkdf2.Key([]byte(s), []byte(deriveSalt), deriveRounds, keyBytes, sha256.New), nil
}

func loadOrCreateKeyFile(keyPath string) ([]byte, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err == nil && len(key) == keyBytes {
			return key, nil
		}
		return nil, fmt.Errorf("key file %s is corrupt", keyPath)
	}

	key := make([]byte, keyBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	encoded := hex.EncodeToString(key) + "\n"
	if err := paths.WriteFileAtomic(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist key: %w", err)
	}
	log.Info().Str("path", keyPath).Msg("Generated new encryption key")
	return key, nil
}

// Seal encrypts plaintext and returns the iv:tag:ciphertext hex form.
func (m *Manager) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, IVBytes)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	// gcm.Seal appends the tag after the ciphertext.
	ct, tag := sealed[:len(sealed)-TagBytes], sealed[len(sealed)-TagBytes:]
	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ct)), nil
}

// Open decrypts a sealed blob produced by Seal.
func (m *Manager) Open(blob string) (string, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed sealed blob")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != IVBytes {
		return "", fmt.Errorf("malformed sealed blob iv")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != TagBytes {
		return "", fmt.Errorf("malformed sealed blob tag")
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("malformed sealed blob ciphertext")
	}

	block, err := aes.NewCipher(m.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt failed: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether a string has the sealed-blob shape. Used to avoid
// double-sealing values that are already ciphertext.
func IsSealed(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return false
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != IVBytes {
		return false
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != TagBytes {
		return false
	}
	_, err = hex.DecodeString(parts[2])
	return err == nil
}
