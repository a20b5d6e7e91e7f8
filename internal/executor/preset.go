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

// PresetStore owns presets.json: named argument bundles merged under a call.
type PresetStore struct {
	mu      sync.Mutex
	path    string
	presets map[string]map[string]any
}

// NewPresetStore loads presets.json (missing file is an empty store).
func NewPresetStore(path string) (*PresetStore, error) {
	s := &PresetStore{path: path, presets: map[string]map[string]any{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read presets file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.presets); err != nil {
			return nil, fmt.Errorf("presets file %s is corrupt: %w", path, err)
		}
	}
	return s, nil
}

// Get returns a preset's args.
func (s *PresetStore) Get(name string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presets[name]
	if !ok {
		return nil, toolerr.NotFound("PRESET_NOT_FOUND", "preset not found: %s", name)
	}
	return p, nil
}

// Set creates or replaces a preset.
func (s *PresetStore) Set(name string, args map[string]any) error {
	if name == "" {
		return toolerr.InvalidParams("MISSING_INPUTS", "preset name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presets[name] = args
	return s.flushLocked()
}

// Delete removes a preset.
func (s *PresetStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.presets[name]; !ok {
		return toolerr.NotFound("PRESET_NOT_FOUND", "preset not found: %s", name)
	}
	delete(s.presets, name)
	return s.flushLocked()
}

// Names returns preset names, sorted.
func (s *PresetStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.presets))
	for n := range s.presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *PresetStore) flushLocked() error {
	data, err := json.MarshalIndent(s.presets, "", "  ")
	if err != nil {
		return err
	}
	return paths.WriteFileAtomic(s.path, data, 0o600)
}

// deepMerge overlays src onto dst, recursing into maps. Scalars and arrays
// in src win; dst is not mutated.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dm, sm)
				continue
			}
		}
		out[k] = v
	}
	return out
}
