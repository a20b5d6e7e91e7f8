// Package state implements the session (process-local) and persistent
// (file-backed) key/value scopes. All mutations are serialized through the
// store mutex; persistent writes land atomically.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// Scope selects which store a read or write targets.
type Scope string

const (
	ScopeSession    Scope = "session"
	ScopePersistent Scope = "persistent"
	// ScopeAny overlays session on top of persistent for reads and removes
	// from both on delete.
	ScopeAny Scope = "any"
)

// ParseScope validates a scope string, defaulting to session.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeSession:
		return ScopeSession, nil
	case ScopePersistent:
		return ScopePersistent, nil
	case ScopeAny:
		return ScopeAny, nil
	}
	return "", toolerr.InvalidParams("UNKNOWN_ACTION", "unknown state scope: %s", s)
}

// Store owns state.json and the in-memory session map.
type Store struct {
	mu         sync.Mutex
	path       string
	session    map[string]any
	persistent map[string]any
}

// NewStore loads the persistent scope from path (missing file is an empty
// store).
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:       path,
		session:    map[string]any{},
		persistent: map[string]any{},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.persistent); err != nil {
			return nil, fmt.Errorf("state file %s is corrupt: %w", path, err)
		}
	}
	return s, nil
}

// Get returns the value for key in the given scope.
func (s *Store) Get(key string, scope Scope) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch scope {
	case ScopeSession:
		v, ok := s.session[key]
		return v, ok
	case ScopePersistent:
		v, ok := s.persistent[key]
		return v, ok
	default:
		if v, ok := s.session[key]; ok {
			return v, true
		}
		v, ok := s.persistent[key]
		return v, ok
	}
}

// Set stores a value. Persistent writes are flushed before returning.
func (s *Store) Set(key string, value any, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch scope {
	case ScopePersistent:
		s.persistent[key] = value
		return s.flushLocked()
	default:
		s.session[key] = value
		return nil
	}
}

// Delete removes a key. ScopeAny removes from both scopes.
func (s *Store) Delete(key string, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removedPersistent := false
	if scope == ScopeSession || scope == ScopeAny {
		delete(s.session, key)
	}
	if scope == ScopePersistent || scope == ScopeAny {
		if _, ok := s.persistent[key]; ok {
			delete(s.persistent, key)
			removedPersistent = true
		}
	}
	if removedPersistent {
		return s.flushLocked()
	}
	return nil
}

// Clear wipes a scope entirely.
func (s *Store) Clear(scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scope == ScopeSession || scope == ScopeAny {
		s.session = map[string]any{}
	}
	if scope == ScopePersistent || scope == ScopeAny {
		s.persistent = map[string]any{}
		return s.flushLocked()
	}
	return nil
}

// List returns keys with the given prefix, sorted. ScopeAny overlays session
// on top of persistent.
func (s *Store) List(prefix string, scope Scope) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]any{}
	include := func(m map[string]any) {
		for k, v := range m {
			if prefix == "" || strings.HasPrefix(k, prefix) {
				out[k] = v
			}
		}
	}
	switch scope {
	case ScopeSession:
		include(s.session)
	case ScopePersistent:
		include(s.persistent)
	default:
		include(s.persistent)
		include(s.session)
	}
	return out
}

// Keys returns the sorted key set for a scope.
func (s *Store) Keys(scope Scope) []string {
	m := s.List("", scope)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a deep-enough copy of the overlaid state for runbook
// template contexts. Values are shared; the map itself is fresh.
func (s *Store) Snapshot() map[string]any {
	return s.List("", ScopeAny)
}

// Update applies fn to the current value of key under the store lock, then
// stores (and for persistent scope, flushes) the result. fn returns the new
// value and whether to keep the key. Used for advisory lock acquire/release.
func (s *Store) Update(key string, scope Scope, fn func(current any, exists bool) (any, bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.session
	if scope == ScopePersistent {
		target = s.persistent
	}
	cur, ok := target[key]
	next, keep, err := fn(cur, ok)
	if err != nil {
		return err
	}
	if keep {
		target[key] = next
	} else {
		delete(target, key)
	}
	if scope == ScopePersistent {
		return s.flushLocked()
	}
	return nil
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.persistent, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := paths.WriteFileAtomic(s.path, data, 0o600); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("State flush failed")
		return err
	}
	return nil
}
