package crypto

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), ".mcp_profiles.key"))
	require.NoError(t, err)
	return m
}

func TestSealOpenRoundTrip(t *testing.T) {
	m := newTestManager(t)

	cases := []string{
		"",
		"hunter2",
		"multi\nline\nsecret",
		strings.Repeat("x", 1<<20),
		"unicode: héllo wörld ✓",
	}
	for _, plaintext := range cases {
		sealed, err := m.Seal(plaintext)
		require.NoError(t, err)
		assert.True(t, IsSealed(sealed))
		if len(plaintext) >= 8 {
			assert.NotContains(t, sealed, plaintext[:8])
		}

		opened, err := m.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestSealedBlobShape(t *testing.T) {
	m := newTestManager(t)

	sealed, err := m.Seal("secret")
	require.NoError(t, err)

	parts := strings.Split(sealed, ":")
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], IVBytes*2)
	assert.Len(t, parts[1], TagBytes*2)
}

func TestOpenRejectsTamper(t *testing.T) {
	m := newTestManager(t)

	sealed, err := m.Seal("secret")
	require.NoError(t, err)

	// Flip a ciphertext nibble.
	tampered := []byte(sealed)
	last := len(tampered) - 1
	if tampered[last] == '0' {
		tampered[last] = '1'
	} else {
		tampered[last] = '0'
	}
	_, err = m.Open(string(tampered))
	assert.Error(t, err)

	_, err = m.Open("not-a-blob")
	assert.Error(t, err)
}

func TestKeyFilePersistence(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "key")

	m1, err := NewManager(keyPath)
	require.NoError(t, err)
	sealed, err := m1.Seal("carries across restart")
	require.NoError(t, err)

	m2, err := NewManager(keyPath)
	require.NoError(t, err)
	opened, err := m2.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "carries across restart", opened)
}

func TestEncryptionKeyEnvForms(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "key")

	t.Setenv("ENCRYPTION_KEY", strings.Repeat("ab", 32)) // 64 hex chars
	mHex, err := NewManager(keyPath)
	require.NoError(t, err)

	t.Setenv("ENCRYPTION_KEY", "a passphrase that is definitely not a raw key")
	mPass, err := NewManager(keyPath)
	require.NoError(t, err)

	sealed, err := mHex.Seal("v")
	require.NoError(t, err)
	_, err = mPass.Open(sealed)
	assert.Error(t, err, "different key material must not open each other's blobs")
}
