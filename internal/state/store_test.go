package state

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s1, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Set("deploy.target", "staging", ScopePersistent))
	require.NoError(t, s1.Set("scratch", "ephemeral", ScopeSession))

	s2, err := NewStore(path)
	require.NoError(t, err)

	v, ok := s2.Get("deploy.target", ScopeAny)
	require.True(t, ok)
	assert.Equal(t, "staging", v)

	_, ok = s2.Get("scratch", ScopeAny)
	assert.False(t, ok, "session scope must not survive restart")
}

func TestAnyScopeOverlay(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	require.NoError(t, s.Set("k", "persistent-value", ScopePersistent))
	require.NoError(t, s.Set("k", "session-value", ScopeSession))

	v, _ := s.Get("k", ScopeAny)
	assert.Equal(t, "session-value", v, "session overlays persistent")

	v, _ = s.Get("k", ScopePersistent)
	assert.Equal(t, "persistent-value", v)

	listed := s.List("", ScopeAny)
	assert.Equal(t, "session-value", listed["k"])
}

func TestDeleteAnyRemovesBoth(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	require.NoError(t, s.Set("k", 1, ScopePersistent))
	require.NoError(t, s.Set("k", 2, ScopeSession))
	require.NoError(t, s.Delete("k", ScopeAny))

	_, ok := s.Get("k", ScopeAny)
	assert.False(t, ok)
}

func TestListPrefix(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	require.NoError(t, s.Set("policy.lock.a", 1, ScopePersistent))
	require.NoError(t, s.Set("policy.lock.b", 2, ScopePersistent))
	require.NoError(t, s.Set("other", 3, ScopePersistent))

	locks := s.List("policy.lock.", ScopeAny)
	assert.Len(t, locks, 2)
}

func TestUpdateIsAtomic(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	err = s.Update("counter", ScopePersistent, func(cur any, ok bool) (any, bool, error) {
		assert.False(t, ok)
		return 1, true, nil
	})
	require.NoError(t, err)

	boom := errors.New("refused")
	err = s.Update("counter", ScopePersistent, func(cur any, ok bool) (any, bool, error) {
		assert.True(t, ok)
		return nil, false, boom
	})
	assert.ErrorIs(t, err, boom)

	v, ok := s.Get("counter", ScopePersistent)
	require.True(t, ok, "failed update must not delete")
	assert.Equal(t, 1, v)
}

func TestParseScope(t *testing.T) {
	sc, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeSession, sc)

	_, err = ParseScope("bogus")
	assert.Error(t, err)
}
