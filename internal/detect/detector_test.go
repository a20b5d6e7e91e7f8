package detect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRepo(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		abs := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		if filepath.Ext(f) == "" && f[len(f)-1] == '/' {
			continue
		}
		require.NoError(t, os.WriteFile(abs, []byte("x"), 0o644))
	}
	return root
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(filepath.Join(t.TempDir(), "context.json"), nil)
	require.NoError(t, err)
	return d
}

func TestDetectGitOpsRepo(t *testing.T) {
	root := seedRepo(t,
		"package.json",
		"Dockerfile",
		".git/HEAD",
		".argocd",
		"flux-system/gotk-sync.yaml",
	)
	d := newTestDetector(t)

	ctx, err := d.Detect(Request{Cwd: root})
	require.NoError(t, err)

	for _, tag := range []string{"node", "docker", "git", "argocd", "flux", "gitops"} {
		assert.True(t, ctx.HasTag(tag), "expected tag %s in %v", tag, ctx.Tags)
	}
	assert.Equal(t, root, ctx.Root)
	assert.Equal(t, root, ctx.GitRoot)
}

func TestGitOpsTagInvariant(t *testing.T) {
	d := newTestDetector(t)

	plain := seedRepo(t, "go.mod")
	ctx, err := d.Detect(Request{Cwd: plain})
	require.NoError(t, err)
	assert.False(t, ctx.HasTag("gitops"))
	assert.True(t, ctx.HasTag("go"))

	argo := seedRepo(t, "argocd-application.yaml")
	ctx, err = d.Detect(Request{Cwd: argo})
	require.NoError(t, err)
	assert.True(t, ctx.HasTag("gitops"))
}

func TestTagsSorted(t *testing.T) {
	root := seedRepo(t, "package.json", "go.mod", "Dockerfile")
	d := newTestDetector(t)

	ctx, err := d.Detect(Request{Cwd: root})
	require.NoError(t, err)
	sorted := append([]string{}, ctx.Tags...)
	assert.IsIncreasing(t, sorted)
}

func TestCacheHitAndRefresh(t *testing.T) {
	root := seedRepo(t, "go.mod")
	d := newTestDetector(t)

	first, err := d.Detect(Request{Cwd: root})
	require.NoError(t, err)

	// Add a marker; cached result stays stale until refresh.
	require.NoError(t, os.WriteFile(filepath.Join(root, "Dockerfile"), []byte("FROM x"), 0o644))

	cached, err := d.Detect(Request{Cwd: root})
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, cached.UpdatedAt)
	assert.False(t, cached.HasTag("docker"))

	fresh, err := d.Detect(Request{Cwd: root, Refresh: true})
	require.NoError(t, err)
	assert.True(t, fresh.HasTag("docker"))
}

func TestCachePersistsAcrossRestart(t *testing.T) {
	root := seedRepo(t, "go.mod")
	cachePath := filepath.Join(t.TempDir(), "context.json")

	d1, err := NewDetector(cachePath, nil)
	require.NoError(t, err)
	first, err := d1.Detect(Request{Cwd: root})
	require.NoError(t, err)

	d2, err := NewDetector(cachePath, nil)
	require.NoError(t, err)
	again, err := d2.Detect(Request{Cwd: root})
	require.NoError(t, err)
	assert.Equal(t, first.Tags, again.Tags)
	assert.Equal(t, first.UpdatedAt.Unix(), again.UpdatedAt.Unix())
}

func TestGitRootWalk(t *testing.T) {
	root := seedRepo(t, ".git/HEAD", "services/api/go.mod")
	d := newTestDetector(t)

	nested := filepath.Join(root, "services", "api")
	ctx, err := d.Detect(Request{Cwd: nested})
	require.NoError(t, err)
	assert.Equal(t, root, ctx.GitRoot)
	assert.Equal(t, root, ctx.Root, "root falls back to git root")
	assert.Equal(t, "cwd:"+nested, ctx.Key)
}
