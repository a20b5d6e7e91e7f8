package capability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(filepath.Join(t.TempDir(), "capabilities.json"))
	require.NoError(t, err)
	return r
}

func TestSetGetDelete(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Set(&Capability{
		Name:    "gitops.status",
		Intent:  "gitops.status",
		Runbook: "gitops.status",
	}))

	cap, err := r.Get("gitops.status")
	require.NoError(t, err)
	assert.Equal(t, EffectRead, cap.Effects.Kind)

	require.NoError(t, r.Delete("gitops.status"))
	_, err = r.Get("gitops.status")
	require.Error(t, err)
	assert.Equal(t, "CAPABILITY_NOT_FOUND", toolerr.From(err).Code)
}

func TestWriteRequiresApply(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Set(&Capability{
		Name:    "gitops.sync",
		Intent:  "gitops.sync",
		Runbook: "gitops.sync",
		Effects: Effects{Kind: EffectWrite},
	})
	require.Error(t, err)
	assert.Equal(t, "CAPABILITY_INVALID", toolerr.From(err).Code)

	require.NoError(t, r.Set(&Capability{
		Name:    "gitops.sync",
		Intent:  "gitops.sync",
		Runbook: "gitops.sync",
		Effects: Effects{Kind: EffectWrite, RequiresApply: true},
	}))
}

func TestSelfCycleRejected(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Set(&Capability{
		Name:      "loop",
		Intent:    "loop",
		Runbook:   "loop",
		DependsOn: []string{"loop"},
	})
	require.Error(t, err)
	assert.Equal(t, "CAPABILITY_DEP_CYCLE", toolerr.From(err).Code)

	// The rejected record must not linger.
	_, err = r.Get("loop")
	require.Error(t, err)
}

func TestIndirectCycleRejectedAndRolledBack(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Set(&Capability{Name: "a", Intent: "a", Runbook: "a", DependsOn: []string{"b"}}))
	require.NoError(t, r.Set(&Capability{Name: "b", Intent: "b", Runbook: "b"}))

	err := r.Set(&Capability{Name: "b", Intent: "b", Runbook: "b", DependsOn: []string{"a"}})
	require.Error(t, err)
	assert.Equal(t, "CAPABILITY_DEP_CYCLE", toolerr.From(err).Code)

	// The previous acyclic record survives.
	b, err := r.Get("b")
	require.NoError(t, err)
	assert.Empty(t, b.DependsOn)
}

func TestByIntentSorted(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Set(&Capability{Name: "gitops.plan.flux", Intent: "gitops.plan", Runbook: "gitops.plan.flux"}))
	require.NoError(t, r.Set(&Capability{Name: "gitops.plan.argocd", Intent: "gitops.plan", Runbook: "gitops.plan.argocd"}))

	caps := r.ByIntent("gitops.plan")
	require.Len(t, caps, 2)
	assert.Equal(t, "gitops.plan.argocd", caps[0].Name)
	assert.Equal(t, "gitops.plan.flux", caps[1].Name)
}

func TestMatchWhen(t *testing.T) {
	argocd := &When{TagsAny: []string{"argocd"}}
	flux := &When{TagsAny: []string{"flux"}}

	assert.True(t, MatchWhen(argocd, []string{"argocd", "gitops"}))
	assert.False(t, MatchWhen(argocd, []string{"flux", "gitops"}))
	assert.True(t, MatchWhen(flux, []string{"flux", "gitops"}))

	// No predicate matches any context, including none.
	assert.True(t, MatchWhen(nil, nil))
	assert.True(t, MatchWhen(nil, []string{"x"}))

	// A predicate with no resolvable context never matches.
	assert.False(t, MatchWhen(argocd, nil))
}

func TestMatchWhenBooleanOperators(t *testing.T) {
	w := &When{
		And: []*When{
			{TagsAll: []string{"gitops", "git"}},
			{Not: &When{TagsAny: []string{"terraform"}}},
		},
	}
	assert.True(t, MatchWhen(w, []string{"gitops", "git", "flux"}))
	assert.False(t, MatchWhen(w, []string{"gitops", "git", "terraform"}))
	assert.False(t, MatchWhen(w, []string{"gitops"}))

	or := &When{Or: []*When{{TagsAny: []string{"argocd"}}, {TagsAny: []string{"flux"}}}}
	assert.True(t, MatchWhen(or, []string{"flux"}))
	assert.False(t, MatchWhen(or, []string{"helm"}))

	none := &When{TagsNone: []string{"ci"}}
	assert.True(t, MatchWhen(none, []string{"go"}))
	assert.False(t, MatchWhen(none, []string{"go", "ci"}))
}

func TestLoadFromFileAndSchemaRejection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capabilities.json")

	good := `{
  "gitops.status": {"name": "gitops.status", "intent": "gitops.status", "runbook": "gitops.status"}
}`
	require.NoError(t, os.WriteFile(path, []byte(good), 0o600))
	r, err := NewRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"gitops.status"}, r.List())

	bad := `{"x": {"name": "x", "intent": "x", "runbook": "x", "effects": {"kind": "explode"}}}`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))
	_, err = NewRegistry(path)
	require.Error(t, err)
	assert.Equal(t, "CAPABILITY_INVALID", toolerr.From(err).Code)
}

func TestYAMLSeeds(t *testing.T) {
	dir := t.TempDir()
	seeds := filepath.Join(dir, "seeds")
	require.NoError(t, os.MkdirAll(seeds, 0o755))
	seed := `name: gitops.verify
intent: gitops.verify
runbook: gitops.verify
tags: [gitops]
when:
  tags_any: [gitops]
`
	require.NoError(t, os.WriteFile(filepath.Join(seeds, "verify.yaml"), []byte(seed), 0o644))

	r, err := NewRegistry(filepath.Join(dir, "capabilities.json"), seeds)
	require.NoError(t, err)
	cap, err := r.Get("gitops.verify")
	require.NoError(t, err)
	assert.Equal(t, []string{"gitops"}, cap.When.TagsAny)
}
