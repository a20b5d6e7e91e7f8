package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// staticAliases are the built-in short names for the canonical tools.
var staticAliases = map[string]string{
	"ssh":       "mcp_ssh_manager",
	"sql":       "mcp_psql_manager",
	"http":      "mcp_api_client",
	"state":     "mcp_state",
	"repo":      "mcp_repo",
	"art":       "mcp_artifacts",
	"ctx":       "mcp_context",
	"rb":        "mcp_runbook",
	"cap":       "mcp_capability",
	"job":       "mcp_job",
	"env":       "mcp_env",
	"vault":     "mcp_vault",
	"audit":     "mcp_audit",
	"intent":    "mcp_intent",
	"workspace": "mcp_workspace",
	"preset":    "mcp_preset",
	"alias":     "mcp_alias",
	"pipeline":  "mcp_pipeline",
}

// StaticAliases returns a copy of the built-in alias table.
func StaticAliases() map[string]string {
	out := make(map[string]string, len(staticAliases))
	for k, v := range staticAliases {
		out[k] = v
	}
	return out
}

// Alias maps a custom name onto a canonical tool, optionally pinning args.
type Alias struct {
	Target string         `json:"target"`
	Args   map[string]any `json:"args,omitempty"`
	Preset string         `json:"preset,omitempty"`
}

// AliasStore owns aliases.json.
type AliasStore struct {
	mu      sync.Mutex
	path    string
	aliases map[string]Alias
}

// NewAliasStore loads aliases.json (missing file is an empty store).
func NewAliasStore(path string) (*AliasStore, error) {
	s := &AliasStore{path: path, aliases: map[string]Alias{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read aliases file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.aliases); err != nil {
			return nil, fmt.Errorf("aliases file %s is corrupt: %w", path, err)
		}
	}
	return s, nil
}

// Resolve returns the alias for a name, if any.
func (s *AliasStore) Resolve(name string) (Alias, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aliases[name]
	return a, ok
}

// Set creates or replaces an alias. Shadowing a canonical tool name or a
// built-in alias is rejected.
func (s *AliasStore) Set(name string, a Alias, isTool func(string) bool) error {
	if name == "" || a.Target == "" {
		return toolerr.InvalidParams("MISSING_INPUTS", "alias name and target are required")
	}
	if _, builtin := staticAliases[name]; builtin || isTool != nil && isTool(name) {
		return toolerr.Conflict("ALIAS_RESERVED", "name %q shadows a built-in tool or alias", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[name] = a
	return s.flushLocked()
}

// Delete removes an alias.
func (s *AliasStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aliases[name]; !ok {
		return toolerr.NotFound("ALIAS_NOT_FOUND", "alias not found: %s", name)
	}
	delete(s.aliases, name)
	return s.flushLocked()
}

// List returns alias names, sorted, with their targets.
func (s *AliasStore) List() map[string]Alias {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Alias, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = v
	}
	return out
}

// Names returns user alias names, sorted.
func (s *AliasStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.aliases))
	for n := range s.aliases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *AliasStore) flushLocked() error {
	data, err := json.MarshalIndent(s.aliases, "", "  ")
	if err != nil {
		return err
	}
	return paths.WriteFileAtomic(s.path, data, 0o600)
}
