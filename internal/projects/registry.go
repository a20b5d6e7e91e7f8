// Package projects holds the project/target registry (projects.json) and the
// per-target policy blocks the planner consults before GitOps writes.
package projects

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// RepoPolicy restricts which git remotes a target may push to.
type RepoPolicy struct {
	AllowedRemotes []string `json:"allowed_remotes,omitempty"`
}

// KubernetesPolicy restricts sync/verify operations.
type KubernetesPolicy struct {
	AllowedNamespaces []string `json:"allowed_namespaces,omitempty"`
}

// ChangeWindow is a cron activation plus an open duration (Go duration
// string, e.g. "2h").
type ChangeWindow struct {
	Cron     string `json:"cron"`
	Duration string `json:"duration"`
}

// LockPolicy controls the per-target advisory lock.
type LockPolicy struct {
	Enabled *bool `json:"enabled,omitempty"` // nil means enabled
	TTLMS   int64 `json:"ttl_ms,omitempty"`
}

// Policy is the write-gate configuration attached to a target.
type Policy struct {
	Repo          RepoPolicy       `json:"repo,omitempty"`
	Kubernetes    KubernetesPolicy `json:"kubernetes,omitempty"`
	ChangeWindows []ChangeWindow   `json:"change_windows,omitempty"`
	Lock          LockPolicy       `json:"lock,omitempty"`
}

// LockEnabled resolves the default-true lock flag.
func (p *Policy) LockEnabled() bool {
	if p == nil || p.Lock.Enabled == nil {
		return true
	}
	return *p.Lock.Enabled
}

// Target is a deployable environment within a project.
type Target struct {
	Description string  `json:"description,omitempty"`
	RepoRoot    string  `json:"repo_root,omitempty"`
	Cwd         string  `json:"cwd,omitempty"`
	Remote      string  `json:"remote,omitempty"`
	Policy      *Policy `json:"policy,omitempty"`
}

// Project groups targets.
type Project struct {
	Description   string            `json:"description,omitempty"`
	DefaultTarget string            `json:"default_target,omitempty"`
	Targets       map[string]Target `json:"targets"`
}

// Registry owns projects.json.
type Registry struct {
	mu       sync.Mutex
	path     string
	projects map[string]Project
}

// NewRegistry loads projects.json (missing file is an empty registry).
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, projects: map[string]Project{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read projects file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r.projects); err != nil {
			return nil, fmt.Errorf("projects file %s is corrupt: %w", path, err)
		}
	}
	return r, nil
}

// Resolution is a resolved (project, target) pair.
type Resolution struct {
	Project string
	Target  string
	Spec    Target
}

// Resolve looks up a project and target, applying the project default when
// the target is omitted.
func (r *Registry) Resolve(project, target string) (*Resolution, error) {
	if project == "" {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[project]
	if !ok {
		return nil, toolerr.NotFound("PROJECT_NOT_FOUND", "project not found: %s", project)
	}
	if target == "" {
		target = p.DefaultTarget
	}
	if target == "" {
		return nil, toolerr.InvalidParams("MISSING_INPUTS",
			"project %q has no default target; pass target explicitly", project)
	}
	spec, ok := p.Targets[target]
	if !ok {
		return nil, toolerr.NotFound("TARGET_NOT_FOUND",
			"target %q not found in project %q", target, project)
	}
	return &Resolution{Project: project, Target: target, Spec: spec}, nil
}

// Set creates or replaces a project.
func (r *Registry) Set(name string, p Project) error {
	if name == "" {
		return toolerr.InvalidParams("MISSING_INPUTS", "project name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[name] = p
	return r.flushLocked()
}

// Delete removes a project.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[name]; !ok {
		return toolerr.NotFound("PROJECT_NOT_FOUND", "project not found: %s", name)
	}
	delete(r.projects, name)
	return r.flushLocked()
}

// Names returns the sorted project names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.projects))
	for n := range r.projects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns a project by name.
func (r *Registry) Get(name string) (Project, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[name]
	return p, ok
}

func (r *Registry) flushLocked() error {
	data, err := json.MarshalIndent(r.projects, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode projects: %w", err)
	}
	return paths.WriteFileAtomic(r.path, data, 0o600)
}
