package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestWriteAndGet(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Write("tr1", "sp1", "plan.json", []byte(`{"ok":true}`))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "runs/tr1/tool_calls/sp1/plan.json", res.Rel)
	assert.Equal(t, URIScheme+res.Rel, res.URI)

	got, err := s.Get(res.URI, 0, -1, "")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, got.Content)
	assert.False(t, got.Truncated)
	assert.Equal(t, int64(11), got.Bytes)

	// Bare rel accepted too.
	got2, err := s.Get(res.Rel, 0, -1, "")
	require.NoError(t, err)
	assert.Equal(t, got.SHA256, got2.SHA256)
}

func TestWriteMode0600(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	res, err := s.Write("tr", "sp", "out.log", []byte("x"))
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, "artifacts", filepath.FromSlash(res.Rel)))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteCollisionDisambiguation(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Write("tr", "sp", "stdout.log", []byte("a"))
	require.NoError(t, err)
	second, err := s.Write("tr", "sp", "stdout.log", []byte("b"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Rel, second.Rel)
	assert.Contains(t, second.Rel, "stdout-1.log")
}

func TestFilenameSanitization(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Write("tr", "sp", "../../etc/passwd", []byte("x"))
	require.NoError(t, err)
	assert.NotContains(t, res.Rel, "..")

	assert.Equal(t, "a_b.txt", SanitizeFilename("a b.txt"))
	assert.LessOrEqual(t, len(SanitizeFilename(strings.Repeat("x", 500)+".log")), 120)
}

func TestTraversalRejected(t *testing.T) {
	s := newTestStore(t)

	for _, ref := range []string{"../outside", "artifact://../outside", "/etc/passwd", "artifact:///abs"} {
		_, err := s.Get(ref, 0, -1, "")
		te := toolerr.From(err)
		require.Error(t, err, ref)
		assert.Equal(t, toolerr.KindInvalidParams, te.Kind, ref)
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	_, err := s.Write("tr", "sp", "seed.txt", []byte("x"))
	require.NoError(t, err)

	outside := t.TempDir()
	link := filepath.Join(root, "artifacts", "escape")
	require.NoError(t, os.Symlink(outside, link))

	_, err = s.Get("escape/anything", 0, -1, "")
	require.Error(t, err)
	assert.Equal(t, toolerr.KindInvalidParams, toolerr.From(err).Kind)
}

func TestHeadTailWindows(t *testing.T) {
	s := newTestStore(t)
	content := []byte("0123456789")
	res, err := s.Write("tr", "sp", "data.txt", content)
	require.NoError(t, err)

	head, err := s.Head(res.Rel, 4, "")
	require.NoError(t, err)
	assert.Equal(t, "0123", head.Content)
	assert.True(t, head.Truncated)

	tail, err := s.Tail(res.Rel, 4, "")
	require.NoError(t, err)
	assert.Equal(t, "6789", tail.Content)
	assert.True(t, tail.Truncated)

	// max_bytes=0 yields empty content, truncated iff the file is non-empty.
	empty, err := s.Head(res.Rel, 0, "")
	require.NoError(t, err)
	assert.Equal(t, "", empty.Content)
	assert.True(t, empty.Truncated)
	assert.Equal(t, int64(10), empty.Bytes)

	window, err := s.Get(res.Rel, 3, 4, "")
	require.NoError(t, err)
	assert.Equal(t, "3456", window.Content)
	assert.Equal(t, int64(3), window.Offset)
}

func TestMissingArtifact(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("runs/none/tool_calls/none/x.txt", 0, -1, "")
	require.Error(t, err)
	assert.Equal(t, "ARTIFACT_NOT_FOUND", toolerr.From(err).Code)
}

func TestBase64Gating(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Write("tr", "sp", "bin.dat", []byte{0xff, 0xfe, 0x00})
	require.NoError(t, err)

	// Text read of binary content is blocked.
	_, err = s.Get(res.Rel, 0, -1, "")
	require.Error(t, err)
	assert.Equal(t, "ARTIFACT_BASE64_BLOCKED", toolerr.From(err).Code)

	// Base64 without the export flag is denied.
	_, err = s.Get(res.Rel, 0, -1, "base64")
	require.Error(t, err)
	assert.Equal(t, "SECRET_EXPORT_DISABLED", toolerr.From(err).Code)

	t.Setenv("SF_ALLOW_SECRET_EXPORT", "1")
	got, err := s.Get(res.Rel, 0, -1, "base64")
	require.NoError(t, err)
	assert.Equal(t, "//4A", got.ContentBase64)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write("tr", "sp1", "a.txt", []byte("a"))
	require.NoError(t, err)
	_, err = s.Write("tr", "sp2", "b.txt", []byte("bb"))
	require.NoError(t, err)

	entries, err := s.List("runs/tr", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "runs/tr/tool_calls/sp1/a.txt", entries[0].Rel)
	assert.Equal(t, int64(2), entries[1].Bytes)

	capped, err := s.List("runs/tr", 1)
	require.NoError(t, err)
	assert.Len(t, capped, 1)
}

func TestUnavailableStore(t *testing.T) {
	s := NewStore("")
	assert.False(t, s.Available())

	res, err := s.Write("tr", "sp", "x", []byte("x"))
	assert.NoError(t, err)
	assert.Nil(t, res)

	_, err = s.Get("runs/x", 0, -1, "")
	require.Error(t, err)
	assert.Equal(t, "ARTIFACTS_UNAVAILABLE", toolerr.From(err).Code)
}
