// Package artifacts provides the sandboxed filesystem namespace for large
// outputs: plans, diffs, renders, captured subprocess logs.
//
// Every artifact lives under <context_root>/artifacts and is addressed by a
// stable "artifact://<rel>" URI. Reads are bounded; resolved paths must stay
// inside the sandbox.
package artifacts

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

const (
	// URIScheme prefixes every artifact reference.
	URIScheme = "artifact://"

	// DefaultMaxBytes is the read window when the caller does not pick one.
	DefaultMaxBytes = 64 * 1024
	// HardMaxBytes caps any single read window.
	HardMaxBytes = 10 * 1024 * 1024

	// DefaultListLimit / MaxListLimit bound directory walks.
	DefaultListLimit = 200
	MaxListLimit     = 2000

	maxFilenameLen = 120
)

var filenameSafeRE = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store is the sandboxed artifact tree. A Store with an empty root is
// "unavailable": writes are silently skipped and reads fail.
type Store struct {
	mu   sync.Mutex
	root string // <context_root>/artifacts, absolute; "" when unavailable
}

// NewStore creates a store rooted at <contextRoot>/artifacts. An empty
// contextRoot yields an unavailable store.
func NewStore(contextRoot string) *Store {
	if contextRoot == "" {
		return &Store{}
	}
	abs, err := filepath.Abs(filepath.Join(contextRoot, "artifacts"))
	if err != nil {
		log.Warn().Err(err).Str("root", contextRoot).Msg("Artifact root not resolvable; store disabled")
		return &Store{}
	}
	return &Store{root: abs}
}

// Available reports whether the store can accept writes and serve reads.
func (s *Store) Available() bool { return s.root != "" }

// WriteResult describes a stored artifact.
type WriteResult struct {
	URI   string `json:"uri"`
	Rel   string `json:"rel"`
	Bytes int    `json:"bytes"`
}

// Write stores content under runs/<trace>/tool_calls/<span>/<filename>.
// Returns (nil, nil) when the store is unavailable: callers treat artifact
// persistence as best-effort.
func (s *Store) Write(traceID, spanID, filename string, content []byte) (*WriteResult, error) {
	if !s.Available() {
		return nil, nil
	}
	if traceID == "" || spanID == "" {
		return nil, toolerr.InvalidParams("BAD_URI", "artifact writes require trace and span ids")
	}

	name := SanitizeFilename(filename)
	rel := path.Join("runs", traceID, "tool_calls", spanID, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	abs, err := s.resolveLocked(rel)
	if err != nil {
		return nil, err
	}
	abs = s.disambiguateLocked(abs)
	rel, _ = filepath.Rel(s.root, abs)
	rel = filepath.ToSlash(rel)

	if err := paths.WriteFileAtomic(abs, content, 0o600); err != nil {
		return nil, fmt.Errorf("artifact write failed: %w", err)
	}
	return &WriteResult{URI: URIScheme + rel, Rel: rel, Bytes: len(content)}, nil
}

// disambiguateLocked returns a path that does not collide with an existing
// file, appending -1, -2, ... before the extension.
func (s *Store) disambiguateLocked(abs string) string {
	if _, err := os.Lstat(abs); os.IsNotExist(err) {
		return abs
	}
	ext := filepath.Ext(abs)
	stem := strings.TrimSuffix(abs, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// SanitizeFilename restricts a filename to [A-Za-z0-9._-] and bounds its
// length.
func SanitizeFilename(name string) string {
	name = filenameSafeRE.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "artifact"
	}
	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}
	return name
}

// resolveLocked normalizes a rel (or artifact:// URI) and verifies the
// resolved absolute path stays inside the sandbox, following symlinks on
// every existing ancestor.
func (s *Store) resolveLocked(ref string) (string, error) {
	if !s.Available() {
		return "", toolerr.Denied("ARTIFACTS_UNAVAILABLE", "artifact store is not configured; set SF_CONTEXT_REPO_ROOT")
	}
	rel := strings.TrimPrefix(ref, URIScheme)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", toolerr.InvalidParams("BAD_URI", "empty artifact reference")
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return "", toolerr.InvalidParams("BAD_URI", "artifact reference escapes the sandbox: %s", ref)
	}

	abs := filepath.Join(s.root, filepath.FromSlash(clean))

	// Resolve symlinks on the deepest existing ancestor so a link inside the
	// tree cannot point outside it.
	real, err := resolveExisting(abs)
	if err != nil {
		return "", fmt.Errorf("artifact path resolution failed: %w", err)
	}
	realRoot, err := resolveExisting(s.root)
	if err != nil {
		return "", fmt.Errorf("artifact root resolution failed: %w", err)
	}
	if real != realRoot && !strings.HasPrefix(real, realRoot+string(filepath.Separator)) {
		return "", toolerr.InvalidParams("BAD_URI", "artifact reference escapes the sandbox: %s", ref)
	}
	return abs, nil
}

// resolveExisting walks up to the deepest existing ancestor, evaluates its
// symlinks, then re-appends the missing suffix.
func resolveExisting(abs string) (string, error) {
	suffix := ""
	cur := abs
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

// ReadResult is a bounded window of an artifact.
type ReadResult struct {
	URI           string `json:"uri"`
	Rel           string `json:"rel"`
	Bytes         int64  `json:"bytes"`
	Offset        int64  `json:"offset"`
	Length        int    `json:"length"`
	SHA256        string `json:"sha256"`
	Truncated     bool   `json:"truncated"`
	Content       string `json:"content,omitempty"`
	ContentBase64 string `json:"content_base64,omitempty"`
}

// Get reads an arbitrary window of an artifact.
func (s *Store) Get(ref string, offset int64, maxBytes int, encoding string) (*ReadResult, error) {
	return s.read(ref, offset, maxBytes, encoding, false)
}

// Head reads a prefix slice.
func (s *Store) Head(ref string, maxBytes int, encoding string) (*ReadResult, error) {
	return s.read(ref, 0, maxBytes, encoding, false)
}

// Tail reads a suffix slice.
func (s *Store) Tail(ref string, maxBytes int, encoding string) (*ReadResult, error) {
	return s.read(ref, 0, maxBytes, encoding, true)
}

func clampWindow(maxBytes int) int {
	if maxBytes < 0 {
		return DefaultMaxBytes
	}
	if maxBytes > HardMaxBytes {
		return HardMaxBytes
	}
	return maxBytes
}

func (s *Store) read(ref string, offset int64, maxBytes int, encoding string, fromEnd bool) (*ReadResult, error) {
	s.mu.Lock()
	abs, err := s.resolveLocked(ref)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	window := clampWindow(maxBytes)

	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, toolerr.NotFound("ARTIFACT_NOT_FOUND", "artifact not found: %s", ref)
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	if fromEnd {
		offset = size - int64(window)
		if offset < 0 {
			offset = 0
		}
	}
	if offset < 0 {
		return nil, toolerr.InvalidParams("BAD_URI", "negative offset")
	}
	if offset > size {
		offset = size
	}

	length := int64(window)
	if offset+length > size {
		length = size - offset
	}

	buf := make([]byte, length)
	if length > 0 {
		if _, err := f.ReadAt(buf, offset); err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(buf)
	rel := strings.TrimPrefix(ref, URIScheme)
	rel = path.Clean(strings.TrimPrefix(rel, "/"))
	res := &ReadResult{
		URI:       URIScheme + rel,
		Rel:       rel,
		Bytes:     size,
		Offset:    offset,
		Length:    int(length),
		SHA256:    hex.EncodeToString(sum[:]),
		Truncated: offset > 0 || offset+length < size,
	}

	switch encoding {
	case "", "text", "utf-8", "utf8":
		if !utf8.Valid(buf) {
			return nil, toolerr.InvalidParams("ARTIFACT_BASE64_BLOCKED",
				"artifact is not valid UTF-8").
				WithHint("pass encoding=base64 (requires SF_ALLOW_SECRET_EXPORT)")
		}
		res.Content = string(buf)
	case "base64":
		if !secretExportAllowed() {
			return nil, toolerr.Denied("SECRET_EXPORT_DISABLED",
				"base64 artifact reads are blocked").
				WithHint("set SF_ALLOW_SECRET_EXPORT=1 to allow opaque exports")
		}
		res.ContentBase64 = base64.StdEncoding.EncodeToString(buf)
	default:
		return nil, toolerr.InvalidParams("UNKNOWN_ACTION", "unknown encoding: %s", encoding)
	}
	return res, nil
}

func secretExportAllowed() bool {
	return paths.EnvBool("SF_ALLOW_SECRET_EXPORT") || paths.EnvBool("SENTRYFROGG_ALLOW_SECRET_EXPORT")
}

// Entry is one row of a List result.
type Entry struct {
	URI   string    `json:"uri"`
	Rel   string    `json:"rel"`
	Bytes int64     `json:"bytes"`
	MTime time.Time `json:"mtime"`
}

// List walks the tree under prefix, returning at most limit entries in
// lexical order.
func (s *Store) List(prefix string, limit int) ([]Entry, error) {
	s.mu.Lock()
	base := s.root
	s.mu.Unlock()
	if base == "" {
		return nil, toolerr.Denied("ARTIFACTS_UNAVAILABLE", "artifact store is not configured; set SF_CONTEXT_REPO_ROOT")
	}

	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	start := base
	if prefix != "" {
		s.mu.Lock()
		abs, err := s.resolveLocked(prefix)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		start = abs
	}

	entries := []Entry{}
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(entries) >= limit {
			return fs.SkipAll
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		entries = append(entries, Entry{
			URI:   URIScheme + rel,
			Rel:   rel,
			Bytes: info.Size(),
			MTime: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Rel < entries[j].Rel })
	return entries, nil
}
