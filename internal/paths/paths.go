// Package paths locates the state files the control plane owns and provides
// the atomic-write primitive every store uses. Files are written to a sibling
// temp file, fsynced, then renamed into place so readers never observe a
// partial write.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Paths holds the resolved locations of every persisted file.
type Paths struct {
	BaseDir          string
	ProfilesPath     string
	KeyPath          string
	StatePath        string
	ProjectsPath     string
	RunbooksPath     string
	CapabilitiesPath string
	ContextPath      string
	AliasesPath      string
	PresetsPath      string
	AuditPath        string
	JobsPath         string
	CacheDir         string
	EvidenceDir      string
}

// Resolve determines the base directory and all file locations, honoring the
// per-file override environment variables. The base directory is created with
// mode 0700 if absent.
func Resolve() (Paths, error) {
	base := os.Getenv("MCP_PROFILES_DIR")
	if base == "" {
		base = filepath.Join(stateHome(), "sentryfrogg")
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return Paths{}, fmt.Errorf("failed to create base dir %s: %w", base, err)
	}

	p := Paths{
		BaseDir:          base,
		ProfilesPath:     filepath.Join(base, "profiles.json"),
		KeyPath:          envOr("MCP_PROFILE_KEY_PATH", filepath.Join(base, ".mcp_profiles.key")),
		StatePath:        envOr("MCP_STATE_PATH", filepath.Join(base, "state.json")),
		ProjectsPath:     envOr("MCP_PROJECTS_PATH", filepath.Join(base, "projects.json")),
		RunbooksPath:     envOr("MCP_RUNBOOKS_PATH", filepath.Join(base, "runbooks.json")),
		CapabilitiesPath: envOr("MCP_CAPABILITIES_PATH", filepath.Join(base, "capabilities.json")),
		ContextPath:      envOr("MCP_CONTEXT_PATH", filepath.Join(base, "context.json")),
		AliasesPath:      envOr("MCP_ALIASES_PATH", filepath.Join(base, "aliases.json")),
		PresetsPath:      envOr("MCP_PRESETS_PATH", filepath.Join(base, "presets.json")),
		AuditPath:        envOr("MCP_AUDIT_PATH", filepath.Join(base, "audit.jsonl")),
		JobsPath:         envOr("MCP_JOBS_PATH", filepath.Join(base, "jobs.json")),
		CacheDir:         envOr("MCP_CACHE_DIR", filepath.Join(base, "cache")),
		EvidenceDir:      envOr("MCP_EVIDENCE_DIR", filepath.Join(base, "evidence")),
	}
	return p, nil
}

func stateHome() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return xdg
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ContextRoot returns the configured artifact context root, or "" when the
// artifact store is unavailable.
func ContextRoot() string {
	if v := os.Getenv("SF_CONTEXT_REPO_ROOT"); v != "" {
		return v
	}
	return os.Getenv("SENTRYFROGG_CONTEXT_REPO_ROOT")
}

// WriteFileAtomic writes data to path via a sibling temp file, fsync, and
// rename. The parent directory is created if needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// EnvInt reads an integer env var, falling back when unset or malformed.
func EnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// EnvInt64 reads a 64-bit integer env var, falling back when unset or malformed.
func EnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// EnvBool reports whether an env var holds a truthy value.
func EnvBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
