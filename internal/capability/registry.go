// Package capability owns the capability registry: the records that bind an
// intent type to a runbook plus input and effect metadata. Records load from
// capabilities.json (or YAML seed files), are schema-validated, and the
// depends_on graph is checked for cycles before anything is served.
package capability

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

//go:embed schema.json
var schemaJSON []byte

// EffectKind classifies what a capability does to the world.
type EffectKind string

const (
	EffectRead  EffectKind = "read"
	EffectWrite EffectKind = "write"
	EffectMixed EffectKind = "mixed"
)

// Effects is the declared impact of running a capability.
type Effects struct {
	Kind          EffectKind `json:"kind" yaml:"kind"`
	RequiresApply bool       `json:"requires_apply" yaml:"requires_apply"`
}

// Inputs controls how intent inputs become runbook inputs.
type Inputs struct {
	Required    []string          `json:"required,omitempty" yaml:"required"`
	Defaults    map[string]any    `json:"defaults,omitempty" yaml:"defaults"`
	Map         map[string]string `json:"map,omitempty" yaml:"map"`
	PassThrough bool              `json:"pass_through,omitempty" yaml:"pass_through"`
}

// When is a boolean predicate over context tags.
type When struct {
	TagsAny  []string `json:"tags_any,omitempty" yaml:"tags_any"`
	TagsAll  []string `json:"tags_all,omitempty" yaml:"tags_all"`
	TagsNone []string `json:"tags_none,omitempty" yaml:"tags_none"`
	And      []*When  `json:"and,omitempty" yaml:"and"`
	Or       []*When  `json:"or,omitempty" yaml:"or"`
	Not      *When    `json:"not,omitempty" yaml:"not"`
}

// Capability binds an intent type to a runbook.
type Capability struct {
	Name        string     `json:"name" yaml:"name"`
	Intent      string     `json:"intent" yaml:"intent"`
	Runbook     string     `json:"runbook" yaml:"runbook"`
	Description string     `json:"description,omitempty" yaml:"description"`
	Inputs      Inputs     `json:"inputs,omitempty" yaml:"inputs"`
	Effects     Effects    `json:"effects,omitempty" yaml:"effects"`
	DependsOn   []string   `json:"depends_on,omitempty" yaml:"depends_on"`
	When        *When      `json:"when,omitempty" yaml:"when"`
	Tags        []string   `json:"tags,omitempty" yaml:"tags"`
}

// Registry owns capabilities.json.
type Registry struct {
	mu           sync.Mutex
	path         string
	capabilities map[string]*Capability
	schema       *jsonschema.Schema
	watcher      *fsnotify.Watcher
}

// NewRegistry loads the registry from path. A missing file is an empty
// registry; seedDirs are scanned for *.yaml/*.yml/*.json capability records
// that fill gaps (existing names win).
func NewRegistry(path string, seedDirs ...string) (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("capability schema is invalid: %w", err)
	}
	if err := compiler.AddResource("capability.schema.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("capability.schema.json")
	if err != nil {
		return nil, fmt.Errorf("capability schema failed to compile: %w", err)
	}

	r := &Registry{path: path, capabilities: map[string]*Capability{}, schema: schema}
	if err := r.loadFile(); err != nil {
		return nil, err
	}
	for _, dir := range seedDirs {
		if err := r.loadSeeds(dir); err != nil {
			return nil, err
		}
	}
	if err := r.validateGraphLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadFile() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read capabilities file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("capabilities file %s is corrupt: %w", r.path, err)
	}
	for name, msg := range raw {
		cap, err := r.decode(msg, name)
		if err != nil {
			return err
		}
		r.capabilities[cap.Name] = cap
	}
	return nil
}

func (r *Registry) loadSeeds(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if ext != ".json" {
			// Normalize YAML to JSON so one validator covers both.
			var node any
			if err := yaml.Unmarshal(data, &node); err != nil {
				return fmt.Errorf("capability seed %s: %w", e.Name(), err)
			}
			if data, err = json.Marshal(node); err != nil {
				return fmt.Errorf("capability seed %s: %w", e.Name(), err)
			}
		}
		cap, err := r.decode(data, strings.TrimSuffix(e.Name(), ext))
		if err != nil {
			return fmt.Errorf("capability seed %s: %w", e.Name(), err)
		}
		if _, exists := r.capabilities[cap.Name]; !exists {
			r.capabilities[cap.Name] = cap
		}
	}
	return nil
}

func (r *Registry) decode(data []byte, fallbackName string) (*Capability, error) {
	var cap Capability
	if err := json.Unmarshal(data, &cap); err != nil {
		return nil, toolerr.InvalidParams("CAPABILITY_INVALID", "capability %s: %v", fallbackName, err)
	}
	if cap.Name == "" {
		cap.Name = fallbackName
	}
	if err := r.validateRecord(&cap); err != nil {
		return nil, err
	}
	return &cap, nil
}

func (r *Registry) validateRecord(cap *Capability) error {
	doc, err := json.Marshal(cap)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return err
	}
	if err := r.schema.Validate(inst); err != nil {
		return toolerr.InvalidParams("CAPABILITY_INVALID", "capability %s: %v", cap.Name, err)
	}
	if cap.Effects.Kind == "" {
		cap.Effects.Kind = EffectRead
	}
	if (cap.Effects.Kind == EffectWrite || cap.Effects.Kind == EffectMixed) && !cap.Effects.RequiresApply {
		return toolerr.InvalidParams("CAPABILITY_INVALID",
			"capability %s: %s effects require requires_apply", cap.Name, cap.Effects.Kind)
	}
	return nil
}

// validateGraphLocked rejects depends_on cycles anywhere in the registry.
func (r *Registry) validateGraphLocked() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case gray:
			return toolerr.Conflict("CAPABILITY_DEP_CYCLE",
				"capability dependency cycle: %s", strings.Join(append(path, name), " -> "))
		case black:
			return nil
		}
		color[name] = gray
		if cap, ok := r.capabilities[name]; ok {
			for _, dep := range cap.DependsOn {
				if err := visit(dep, append(path, name)); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	names := make([]string, 0, len(r.capabilities))
	for n := range r.capabilities {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := visit(n, nil); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a capability by name.
func (r *Registry) Get(name string) (*Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cap, ok := r.capabilities[name]
	if !ok {
		return nil, toolerr.NotFound("CAPABILITY_NOT_FOUND", "capability not found: %s", name)
	}
	return cap, nil
}

// ByIntent returns all capabilities for an intent type, sorted by name.
func (r *Registry) ByIntent(intent string) []*Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Capability
	for _, cap := range r.capabilities {
		if cap.Intent == intent {
			out = append(out, cap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List returns all capability names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.capabilities))
	for n := range r.capabilities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Set validates and stores a capability, re-checking the dependency graph.
// A record that would introduce a cycle is rejected and the registry is left
// unchanged.
func (r *Registry) Set(cap *Capability) error {
	if cap == nil || cap.Name == "" {
		return toolerr.InvalidParams("CAPABILITY_INVALID", "capability name is required")
	}
	if err := r.validateRecord(cap); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.capabilities[cap.Name]
	r.capabilities[cap.Name] = cap
	if err := r.validateGraphLocked(); err != nil {
		if existed {
			r.capabilities[cap.Name] = prev
		} else {
			delete(r.capabilities, cap.Name)
		}
		return err
	}
	return r.flushLocked()
}

// Delete removes a capability.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.capabilities[name]; !ok {
		return toolerr.NotFound("CAPABILITY_NOT_FOUND", "capability not found: %s", name)
	}
	delete(r.capabilities, name)
	return r.flushLocked()
}

func (r *Registry) flushLocked() error {
	data, err := json.MarshalIndent(r.capabilities, "", "  ")
	if err != nil {
		return err
	}
	return paths.WriteFileAtomic(r.path, data, 0o600)
}

// Watch reloads the registry when capabilities.json changes on disk. Invalid
// content keeps the last good snapshot.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != r.path || !ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if err := r.reload(); err != nil {
					log.Warn().Err(err).Msg("Capability reload failed; keeping previous registry")
				} else {
					log.Info().Str("path", r.path).Msg("Capability registry reloaded")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Capability watcher error")
			}
		}
	}()
	return nil
}

func (r *Registry) reload() error {
	fresh := &Registry{path: r.path, capabilities: map[string]*Capability{}, schema: r.schema}
	if err := fresh.loadFile(); err != nil {
		return err
	}
	if err := fresh.validateGraphLocked(); err != nil {
		return err
	}
	r.mu.Lock()
	r.capabilities = fresh.capabilities
	r.mu.Unlock()
	return nil
}

// Close stops the file watcher, if any.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// MatchWhen evaluates a when predicate against context tags. A nil predicate
// matches everything; a non-nil predicate with no context never matches.
func MatchWhen(w *When, tags []string) bool {
	if w == nil {
		return true
	}
	if tags == nil {
		return false
	}
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	return evalWhen(w, set)
}

func evalWhen(w *When, tags map[string]bool) bool {
	if len(w.TagsAny) > 0 {
		any := false
		for _, t := range w.TagsAny {
			if tags[t] {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for _, t := range w.TagsAll {
		if !tags[t] {
			return false
		}
	}
	for _, t := range w.TagsNone {
		if tags[t] {
			return false
		}
	}
	for _, sub := range w.And {
		if !evalWhen(sub, tags) {
			return false
		}
	}
	if len(w.Or) > 0 {
		any := false
		for _, sub := range w.Or {
			if evalWhen(sub, tags) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	if w.Not != nil && evalWhen(w.Not, tags) {
		return false
	}
	return true
}
