// Package runbook interprets declarative step lists: template expansion,
// when predicates, foreach fan-out, and bounded retry-until loops.
package runbook

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

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

//go:embed schema.json
var schemaJSON []byte

// Foreach fans a step out over a resolved array.
type Foreach struct {
	Items    any  `json:"items"`
	Parallel bool `json:"parallel,omitempty"`
}

// Retry is a bounded retry-until loop.
type Retry struct {
	MaxAttempts   int        `json:"max_attempts,omitempty"`
	DelayMS       int64      `json:"delay_ms,omitempty"`
	BackoffFactor float64    `json:"backoff_factor,omitempty"`
	MaxDelayMS    int64      `json:"max_delay_ms,omitempty"`
	RetryOnError  *bool      `json:"retry_on_error,omitempty"` // nil means true
	Until         *Predicate `json:"until,omitempty"`
}

// Step is one unit of a runbook.
type Step struct {
	ID              string         `json:"id"`
	Tool            string         `json:"tool"`
	Args            map[string]any `json:"args,omitempty"`
	When            *Predicate     `json:"when,omitempty"`
	Foreach         *Foreach       `json:"foreach,omitempty"`
	Retry           *Retry         `json:"retry,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty"`
}

// Runbook is an ordered list of steps.
type Runbook struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// Validate enforces structural invariants: non-empty steps, unique ids, and
// the foreach/retry exclusivity rule.
func (rb *Runbook) Validate() error {
	if len(rb.Steps) == 0 {
		return toolerr.InvalidParams("RUNBOOK_INVALID", "runbook %s has no steps", rb.Name)
	}
	seen := map[string]bool{}
	for i, step := range rb.Steps {
		if step.ID == "" {
			return toolerr.InvalidParams("RUNBOOK_INVALID", "runbook %s: step %d has no id", rb.Name, i)
		}
		if seen[step.ID] {
			return toolerr.InvalidParams("RUNBOOK_INVALID", "runbook %s: duplicate step id %q", rb.Name, step.ID)
		}
		seen[step.ID] = true
		if step.Tool == "" {
			return toolerr.InvalidParams("RUNBOOK_INVALID", "runbook %s: step %q has no tool", rb.Name, step.ID)
		}
		if step.Foreach != nil && step.Retry != nil {
			return toolerr.InvalidParams("RUNBOOK_INVALID",
				"runbook %s: step %q combines foreach and retry", rb.Name, step.ID)
		}
		if step.Retry != nil {
			if err := step.Retry.validate(rb.Name, step.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Retry) validate(runbook, step string) error {
	if r.MaxAttempts < 0 || r.MaxAttempts > maxRetryAttempts {
		return toolerr.InvalidParams("RUNBOOK_INVALID",
			"runbook %s: step %q retry.max_attempts must be 0..%d", runbook, step, maxRetryAttempts)
	}
	if r.DelayMS < 0 || r.DelayMS > maxRetryDelayMS {
		return toolerr.InvalidParams("RUNBOOK_INVALID",
			"runbook %s: step %q retry.delay_ms must be 0..%d", runbook, step, maxRetryDelayMS)
	}
	if r.MaxDelayMS < 0 || r.MaxDelayMS > maxRetryDelayMS {
		return toolerr.InvalidParams("RUNBOOK_INVALID",
			"runbook %s: step %q retry.max_delay_ms must be 0..%d", runbook, step, maxRetryDelayMS)
	}
	if r.BackoffFactor != 0 && r.BackoffFactor < 1 {
		return toolerr.InvalidParams("RUNBOOK_INVALID",
			"runbook %s: step %q retry.backoff_factor must be >= 1", runbook, step)
	}
	return nil
}

// Registry owns runbooks.json.
type Registry struct {
	mu       sync.Mutex
	path     string
	schema   *jsonschema.Schema
	runbooks map[string]*Runbook
}

// NewRegistry loads the runbooks file (missing file is an empty registry).
// A .yaml/.yml path is decoded with yaml.v3; everything else is JSON. Every
// document is checked against the embedded schema before the structural
// invariants run.
func NewRegistry(path string) (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("runbook schema is invalid: %w", err)
	}
	if err := compiler.AddResource("runbook.schema.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("runbook.schema.json")
	if err != nil {
		return nil, fmt.Errorf("runbook schema failed to compile: %w", err)
	}

	r := &Registry{path: path, schema: schema, runbooks: map[string]*Runbook{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read runbooks file: %w", err)
	}
	if len(data) > 0 {
		if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
			var doc map[string]any
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("runbooks file %s is corrupt: %w", path, err)
			}
			if data, err = json.Marshal(doc); err != nil {
				return nil, fmt.Errorf("runbooks file %s does not convert to JSON: %w", path, err)
			}
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("runbooks file %s is corrupt: %w", path, err)
		}
		for name, rec := range raw {
			inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(rec))
			if err != nil {
				return nil, fmt.Errorf("runbooks file %s is corrupt: %w", path, err)
			}
			if err := r.schema.Validate(inst); err != nil {
				return nil, toolerr.InvalidParams("RUNBOOK_INVALID", "runbook %s: %v", name, err)
			}
			rb := &Runbook{}
			if err := json.Unmarshal(rec, rb); err != nil {
				return nil, fmt.Errorf("runbooks file %s is corrupt: %w", path, err)
			}
			if rb.Name == "" {
				rb.Name = name
			}
			if err := rb.Validate(); err != nil {
				return nil, err
			}
			r.runbooks[name] = rb
		}
	}
	return r, nil
}

// validateRecord runs the schema check then the structural invariants.
func (r *Registry) validateRecord(rb *Runbook) error {
	doc, err := json.Marshal(rb)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return err
	}
	if err := r.schema.Validate(inst); err != nil {
		return toolerr.InvalidParams("RUNBOOK_INVALID", "runbook %s: %v", rb.Name, err)
	}
	return rb.Validate()
}

// Get returns a runbook by name.
func (r *Registry) Get(name string) (*Runbook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rb, ok := r.runbooks[name]
	if !ok {
		return nil, toolerr.NotFound("RUNBOOK_NOT_FOUND", "runbook not found: %s", name)
	}
	return rb, nil
}

// Set validates and stores a runbook.
func (r *Registry) Set(name string, rb *Runbook) error {
	if name == "" {
		return toolerr.InvalidParams("RUNBOOK_INVALID", "runbook name is required")
	}
	if rb.Name == "" {
		rb.Name = name
	}
	if err := r.validateRecord(rb); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runbooks[name] = rb
	return r.flushLocked()
}

// Delete removes a runbook.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runbooks[name]; !ok {
		return toolerr.NotFound("RUNBOOK_NOT_FOUND", "runbook not found: %s", name)
	}
	delete(r.runbooks, name)
	return r.flushLocked()
}

// List returns runbook names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.runbooks))
	for n := range r.runbooks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) flushLocked() error {
	data, err := json.MarshalIndent(r.runbooks, "", "  ")
	if err != nil {
		return err
	}
	// YAML-backed registries persist in YAML; the JSON round-trip keeps the
	// field names from the json tags.
	if ext := strings.ToLower(filepath.Ext(r.path)); ext == ".yaml" || ext == ".yml" {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return err
		}
	}
	return paths.WriteFileAtomic(r.path, data, 0o600)
}
