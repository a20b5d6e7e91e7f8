// Package jobs tracks long-running detached operations: auto-detached runner
// commands and provider-side background work. Records live in a bounded ring
// with a TTL and persist to jobs.json with debounced atomic rewrites.
package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

func validStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Record is one tracked background job.
type Record struct {
	JobID        string         `json:"job_id"`
	Kind         string         `json:"kind"`
	Status       Status         `json:"status"`
	TraceID      string         `json:"trace_id,omitempty"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Progress     map[string]any `json:"progress,omitempty"`
	Artifacts    []string       `json:"artifacts,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	Error        string         `json:"error,omitempty"`
}

const (
	DefaultMaxJobs  = 500
	DefaultTTL      = 6 * time.Hour
	persistDebounce = 50 * time.Millisecond
)

// CompletionHook observes terminal transitions.
type CompletionHook func(rec Record)

// Manager owns jobs.json and the in-memory ring.
type Manager struct {
	mu      sync.Mutex
	path    string
	maxJobs int
	ttl     time.Duration
	jobs    map[string]*Record
	hooks   []CompletionHook

	flushTimer *time.Timer
	closed     bool
}

type jobsFile struct {
	Version int                `json:"version"`
	Jobs    map[string]*Record `json:"jobs"`
}

// NewManager loads jobs.json (missing file is an empty set). Expired records
// are dropped on load.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path, maxJobs: DefaultMaxJobs, ttl: DefaultTTL, jobs: map[string]*Record{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}
	var jf jobsFile
	if len(data) > 0 {
		if err := json.Unmarshal(data, &jf); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Jobs file corrupt; starting empty")
			return m, nil
		}
	}
	now := time.Now()
	for id, rec := range jf.Jobs {
		if rec != nil && rec.ExpiresAt.After(now) {
			m.jobs[id] = rec
		}
	}
	return m, nil
}

// OnCompletion registers a hook fired (outside the lock) when a job reaches
// a terminal status.
func (m *Manager) OnCompletion(h CompletionHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// CreateRequest seeds a new record.
type CreateRequest struct {
	Kind         string
	TraceID      string
	ParentSpanID string
	Provider     string
	Progress     map[string]any
}

// Create registers a queued job and returns its record.
func (m *Manager) Create(req CreateRequest) *Record {
	now := time.Now().UTC()
	rec := &Record{
		JobID:        ulid.Make().String(),
		Kind:         req.Kind,
		Status:       StatusQueued,
		TraceID:      req.TraceID,
		ParentSpanID: req.ParentSpanID,
		Provider:     req.Provider,
		Progress:     req.Progress,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}
	m.mu.Lock()
	m.purgeLocked(now)
	m.jobs[rec.JobID] = rec
	m.evictLocked()
	m.scheduleFlushLocked()
	m.mu.Unlock()
	return cloned(rec)
}

// Update mutates selected fields of a record.
type Update struct {
	Status    Status
	Progress  map[string]any
	Artifacts []string
	Error     string
}

// Upsert applies an update to a job. An unknown status keeps the current one
// (or queued for new records). Terminal transitions stamp ended_at and fire
// completion hooks.
func (m *Manager) Upsert(jobID string, upd Update) (*Record, error) {
	if jobID == "" {
		return nil, toolerr.InvalidParams("MISSING_INPUTS", "job_id is required")
	}
	now := time.Now().UTC()

	m.mu.Lock()
	rec, ok := m.jobs[jobID]
	if !ok {
		rec = &Record{JobID: jobID, Status: StatusQueued, CreatedAt: now, ExpiresAt: now.Add(m.ttl)}
		m.jobs[jobID] = rec
	}

	wasTerminal := rec.Status.Terminal()
	if validStatus(upd.Status) {
		rec.Status = upd.Status
	}
	if upd.Progress != nil {
		rec.Progress = upd.Progress
	}
	if len(upd.Artifacts) > 0 {
		rec.Artifacts = append(rec.Artifacts, upd.Artifacts...)
	}
	if upd.Error != "" {
		rec.Error = upd.Error
	}
	if rec.Status == StatusRunning && rec.StartedAt == nil {
		t := now
		rec.StartedAt = &t
	}
	nowTerminal := rec.Status.Terminal()
	if nowTerminal && rec.EndedAt == nil {
		t := now
		rec.EndedAt = &t
	}
	rec.UpdatedAt = now

	var fire []CompletionHook
	if nowTerminal && !wasTerminal {
		fire = append(fire, m.hooks...)
	}
	out := cloned(rec)
	m.scheduleFlushLocked()
	m.mu.Unlock()

	for _, h := range fire {
		h(*out)
	}
	return out, nil
}

// Get returns a job by id.
func (m *Manager) Get(jobID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok || !rec.ExpiresAt.After(time.Now()) {
		return nil, toolerr.NotFound("JOB_NOT_FOUND", "job not found: %s", jobID)
	}
	return cloned(rec), nil
}

// List returns jobs newest-first, optionally filtered by status.
func (m *Manager) List(limit int, status Status) []*Record {
	m.mu.Lock()
	m.purgeLocked(time.Now())
	out := make([]*Record, 0, len(m.jobs))
	for _, rec := range m.jobs {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, cloned(rec))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Forget removes a job record.
func (m *Manager) Forget(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return toolerr.NotFound("JOB_NOT_FOUND", "job not found: %s", jobID)
	}
	delete(m.jobs, jobID)
	m.scheduleFlushLocked()
	return nil
}

func (m *Manager) purgeLocked(now time.Time) {
	for id, rec := range m.jobs {
		if !rec.ExpiresAt.After(now) {
			delete(m.jobs, id)
		}
	}
}

// evictLocked drops oldest records above capacity.
func (m *Manager) evictLocked() {
	if len(m.jobs) <= m.maxJobs {
		return
	}
	type entry struct {
		id string
		at time.Time
	}
	all := make([]entry, 0, len(m.jobs))
	for id, rec := range m.jobs {
		all = append(all, entry{id, rec.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, e := range all[:len(m.jobs)-m.maxJobs] {
		delete(m.jobs, e.id)
	}
}

func (m *Manager) scheduleFlushLocked() {
	if m.closed {
		return
	}
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	m.flushTimer = time.AfterFunc(persistDebounce, func() {
		if err := m.Flush(); err != nil {
			log.Warn().Err(err).Msg("Jobs persist failed")
		}
	})
}

// Flush writes the current set to disk immediately.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	data, err := json.MarshalIndent(jobsFile{Version: 1, Jobs: m.jobs}, "", "  ")
	if err != nil {
		return err
	}
	return paths.WriteFileAtomic(m.path, data, 0o600)
}

// Close stops debounced persistence and flushes once.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	err := m.flushLocked()
	m.mu.Unlock()
	return err
}

func cloned(rec *Record) *Record {
	out := *rec
	return &out
}
