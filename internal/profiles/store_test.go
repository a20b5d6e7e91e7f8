package profiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryfrogg/sentryfrogg/internal/crypto"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	cm, err := crypto.NewManager(filepath.Join(dir, "key"))
	require.NoError(t, err)
	path := filepath.Join(dir, "profiles.json")
	s, err := NewStore(path, cm)
	require.NoError(t, err)
	return s, path
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Set(SetRequest{
		Name:    "prod-db",
		Type:    "postgres",
		Data:    map[string]any{"host": "db.internal", "port": float64(5432)},
		Secrets: map[string]any{"password": "hunter2"},
	})
	require.NoError(t, err)

	got, err := s.Get(context.Background(), "prod-db", "postgres")
	require.NoError(t, err)
	assert.Equal(t, "db.internal", got.Data["host"])
	assert.Equal(t, "hunter2", got.Secrets["password"])
}

func TestPlaintextNeverOnDisk(t *testing.T) {
	s, path := newTestStore(t)

	_, err := s.Set(SetRequest{
		Name:    "api",
		Type:    "http",
		Secrets: map[string]any{"token": "super-sensitive-token-value"},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-sensitive-token-value")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestTypeMismatch(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Set(SetRequest{Name: "box", Type: "ssh"})
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "box", "postgres")
	require.Error(t, err)
	assert.Equal(t, "PROFILE_TYPE_MISMATCH", toolerr.From(err).Code)
	assert.Equal(t, toolerr.KindConflict, toolerr.From(err).Kind)
}

func TestMergeAndDeleteSemantics(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Set(SetRequest{
		Name:    "svc",
		Type:    "http",
		Data:    map[string]any{"url": "https://a", "retries": float64(3)},
		Secrets: map[string]any{"token": "t1", "basic": "b1"},
	})
	require.NoError(t, err)

	// Merge data, delete a data key, delete one secret.
	_, err = s.Set(SetRequest{
		Name:    "svc",
		Data:    map[string]any{"url": "https://b", "retries": nil},
		Secrets: map[string]any{"basic": nil},
	})
	require.NoError(t, err)

	got, err := s.Get(context.Background(), "svc", "")
	require.NoError(t, err)
	assert.Equal(t, "https://b", got.Data["url"])
	assert.NotContains(t, got.Data, "retries")
	assert.Equal(t, "t1", got.Secrets["token"])
	assert.NotContains(t, got.Secrets, "basic")

	// secrets: null clears everything.
	_, err = s.Set(SetRequest{Name: "svc", ClearSecrets: true})
	require.NoError(t, err)
	got, err = s.Get(context.Background(), "svc", "")
	require.NoError(t, err)
	assert.Empty(t, got.Secrets)
}

func TestListNeverReturnsSecrets(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Set(SetRequest{Name: "a", Type: "vault", Secrets: map[string]any{"token": "v"}})
	require.NoError(t, err)
	_, err = s.Set(SetRequest{Name: "b", Type: "ssh"})
	require.NoError(t, err)

	all := s.List("")
	require.Len(t, all, 2)
	assert.Equal(t, []string{"token"}, all[0].SecretKeys)

	vaults := s.List("vault")
	assert.Len(t, vaults, 1)
}

func TestDeleteUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Delete("ghost")
	require.Error(t, err)
	assert.Equal(t, "PROFILE_NOT_FOUND", toolerr.From(err).Code)
}

func TestEnvRefResolution(t *testing.T) {
	s, _ := newTestStore(t)
	t.Setenv("TEST_DB_PASS", "from-env")

	_, err := s.Set(SetRequest{
		Name:    "envy",
		Type:    "postgres",
		Secrets: map[string]any{"password": "ref:env:TEST_DB_PASS"},
	})
	require.NoError(t, err)

	got, err := s.Get(context.Background(), "envy", "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got.Secrets["password"])
}

type fakeVault struct{ calls int }

func (f *fakeVault) Resolve(_ context.Context, ref, vaultProfile string) (string, error) {
	f.calls++
	return "vault:" + ref + ":" + vaultProfile, nil
}

func TestVaultRefResolution(t *testing.T) {
	s, path := newTestStore(t)
	fv := &fakeVault{}
	s.SetVaultResolver(fv)

	_, err := s.Set(SetRequest{
		Name:    "v",
		Type:    "http",
		Data:    map[string]any{"vault_profile": "corp-vault"},
		Secrets: map[string]any{"token": "ref:vault:secret/data/api#token"},
	})
	require.NoError(t, err)

	got, err := s.Get(context.Background(), "v", "")
	require.NoError(t, err)
	assert.Equal(t, "vault:ref:vault:secret/data/api#token:corp-vault", got.Secrets["token"])
	assert.Equal(t, 1, fv.calls)

	// The resolved value is never persisted.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "corp-vault\" resolved")
}
