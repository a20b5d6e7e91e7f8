// Package detect derives context tags from filesystem markers. Tags route
// intents to capabilities: a repo carrying argocd markers plans with the
// argocd runbooks, one carrying flux markers with the flux runbooks.
package detect

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"

	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/projects"
)

const (
	cacheVersion    = 1
	maxGitWalkDepth = 25
)

// Context is the detected record for one key.
type Context struct {
	Key       string          `json:"key"`
	Root      string          `json:"root"`
	Cwd       string          `json:"cwd"`
	GitRoot   string          `json:"git_root,omitempty"`
	Tags      []string        `json:"tags"`
	Signals   map[string]bool `json:"signals"`
	Files     map[string]bool `json:"files"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// HasTag reports whether the context carries a tag.
func (c *Context) HasTag(tag string) bool {
	if c == nil {
		return false
	}
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// markerRule binds a tag to the file patterns that signal it. Patterns may
// use doublestar globs.
type markerRule struct {
	tag      string
	patterns []string
}

var markerRules = []markerRule{
	{"node", []string{"package.json", "yarn.lock", "pnpm-lock.yaml"}},
	{"python", []string{"pyproject.toml", "requirements.txt", "setup.py", "Pipfile"}},
	{"go", []string{"go.mod"}},
	{"rust", []string{"Cargo.toml"}},
	{"docker", []string{"Dockerfile", "docker-compose.yml", "docker-compose.yaml", "compose.yaml"}},
	{"k8s", []string{"k8s/**/*.yaml", "kubernetes/**/*.yaml", "manifests/**/*.yaml"}},
	{"helm", []string{"Chart.yaml", "charts/*/Chart.yaml"}},
	{"kustomize", []string{"kustomization.yaml", "kustomization.yml", "**/kustomization.yaml"}},
	{"argocd", []string{".argocd", "argocd-application.yaml", "argocd/**/*.yaml"}},
	{"flux", []string{"gotk-components.yaml", "flux-system/**", "flux-system"}},
	{"terraform", []string{"*.tf", "terraform/**/*.tf"}},
	{"ci", []string{".github/workflows/*.yml", ".github/workflows/*.yaml", ".gitlab-ci.yml", "Jenkinsfile"}},
}

type cacheFile struct {
	Version  int                 `json:"version"`
	Contexts map[string]*Context `json:"contexts"`
}

// Detector derives and caches Context records.
type Detector struct {
	mu        sync.Mutex
	cachePath string
	cache     map[string]*Context
	projects  *projects.Registry
}

// NewDetector loads the context cache (missing file is an empty cache).
func NewDetector(cachePath string, reg *projects.Registry) (*Detector, error) {
	d := &Detector{cachePath: cachePath, cache: map[string]*Context{}, projects: reg}
	data, err := os.ReadFile(cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("failed to read context cache: %w", err)
	}
	var cf cacheFile
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cf); err != nil {
			log.Warn().Err(err).Str("path", cachePath).Msg("Context cache corrupt; starting empty")
			return d, nil
		}
		if cf.Contexts != nil {
			d.cache = cf.Contexts
		}
	}
	return d, nil
}

// Request selects what to detect.
type Request struct {
	Project  string
	Target   string
	Cwd      string
	RepoRoot string
	Refresh  bool
}

// Detect returns the cached context for the request key, deriving and
// persisting it when missing or when Refresh is set.
func (d *Detector) Detect(req Request) (*Context, error) {
	cwd := req.Cwd
	repoRoot := req.RepoRoot

	if req.Project != "" && d.projects != nil {
		res, err := d.projects.Resolve(req.Project, req.Target)
		if err != nil {
			return nil, err
		}
		if res != nil {
			if cwd == "" {
				cwd = res.Spec.Cwd
			}
			if repoRoot == "" {
				repoRoot = res.Spec.RepoRoot
			}
			req.Target = res.Target
		}
	}
	if cwd == "" {
		if repoRoot != "" {
			cwd = repoRoot
		} else {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			cwd = wd
		}
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return nil, err
	}
	cwd = abs

	key := contextKey(req.Project, req.Target, cwd)

	d.mu.Lock()
	cached, ok := d.cache[key]
	d.mu.Unlock()
	if ok && !req.Refresh {
		return cached, nil
	}

	ctx, err := derive(key, cwd, repoRoot)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[key] = ctx
	err = d.flushLocked()
	d.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Msg("Context cache persist failed")
	}
	return ctx, nil
}

func contextKey(project, target, cwd string) string {
	if project != "" {
		return fmt.Sprintf("project:%s:%s", project, target)
	}
	return "cwd:" + cwd
}

func derive(key, cwd, repoRoot string) (*Context, error) {
	gitRoot := findGitRoot(cwd)

	root := repoRoot
	if root == "" {
		root = gitRoot
	}
	if root == "" {
		root = cwd
	}

	ctx := &Context{
		Key:       key,
		Root:      root,
		Cwd:       cwd,
		GitRoot:   gitRoot,
		Signals:   map[string]bool{},
		Files:     map[string]bool{},
		UpdatedAt: time.Now().UTC(),
	}

	rootFS := os.DirFS(root)
	for _, rule := range markerRules {
		found := false
		for _, pattern := range rule.patterns {
			matched := matchMarker(rootFS, root, pattern)
			ctx.Files[pattern] = matched
			if matched {
				found = true
			}
		}
		ctx.Signals[rule.tag] = found
	}

	tags := []string{}
	for tag, on := range ctx.Signals {
		if on {
			tags = append(tags, tag)
		}
	}
	if ctx.Signals["argocd"] || ctx.Signals["flux"] {
		tags = append(tags, "gitops")
	}
	if gitRoot != "" {
		tags = append(tags, "git")
	}
	sort.Strings(tags)
	ctx.Tags = tags
	return ctx, nil
}

func matchMarker(rootFS fs.FS, root, pattern string) bool {
	if !strings.ContainsAny(pattern, "*?[{") {
		_, err := os.Lstat(filepath.Join(root, filepath.FromSlash(pattern)))
		return err == nil
	}
	matches, err := doublestar.Glob(rootFS, pattern)
	if err != nil {
		return false
	}
	return len(matches) > 0
}

func findGitRoot(start string) string {
	dir := start
	for i := 0; i < maxGitWalkDepth; i++ {
		if _, err := os.Lstat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
	return ""
}

func (d *Detector) flushLocked() error {
	cf := cacheFile{Version: cacheVersion, Contexts: d.cache}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return err
	}
	return paths.WriteFileAtomic(d.cachePath, data, 0o600)
}
