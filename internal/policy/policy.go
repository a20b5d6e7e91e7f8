// Package policy gates GitOps writes: remote allowlists, change windows,
// per-target advisory locks, and diff-before-apply evidence checks. Every
// denial fails closed with a stable code and a hint.
package policy

import (
	"fmt"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sentryfrogg/sentryfrogg/internal/artifacts"
	"github.com/sentryfrogg/sentryfrogg/internal/projects"
	"github.com/sentryfrogg/sentryfrogg/internal/state"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

const (
	lockKeyPrefix  = "policy.lock."
	DefaultLockTTL = 10 * time.Minute
)

// Service evaluates target policy before write intents run.
type Service struct {
	state     *state.Store
	artifacts *artifacts.Store
	now       func() time.Time
}

// NewService wires the policy service. artifacts may be nil when no context
// root is configured (evidence checks then always deny without override).
func NewService(st *state.Store, art *artifacts.Store) *Service {
	return &Service{state: st, artifacts: art, now: time.Now}
}

// CheckRemote verifies a git remote URL against the target's allowlist. An
// empty allowlist permits everything.
func (s *Service) CheckRemote(pol *projects.Policy, remote string) error {
	if pol == nil || len(pol.Repo.AllowedRemotes) == 0 {
		return nil
	}
	norm := NormalizeRemote(remote)
	for _, pattern := range pol.Repo.AllowedRemotes {
		if wildcard.Match(NormalizeRemote(pattern), norm) {
			return nil
		}
	}
	return toolerr.Denied("POLICY_REMOTE_DENIED", "remote %q is not allowlisted", remote).
		WithHint("add the remote to policy.repo.allowed_remotes for this target")
}

// NormalizeRemote reduces a git remote URL to host/path form: scheme and
// trailing .git stripped, scp-like git@host:path rewritten.
func NormalizeRemote(remote string) string {
	r := strings.TrimSpace(remote)
	r = strings.TrimSuffix(r, ".git")
	for _, prefix := range []string{"https://", "http://", "ssh://", "git://"} {
		if strings.HasPrefix(r, prefix) {
			r = strings.TrimPrefix(r, prefix)
			break
		}
	}
	if at := strings.Index(r, "@"); at >= 0 {
		r = r[at+1:]
	}
	// scp-like host:path
	if colon := strings.Index(r, ":"); colon >= 0 && !strings.Contains(r[:colon], "/") {
		r = r[:colon] + "/" + r[colon+1:]
	}
	return strings.ToLower(strings.TrimSuffix(r, "/"))
}

// CheckWindow verifies the current time falls inside at least one change
// window. No windows means always open.
func (s *Service) CheckWindow(pol *projects.Policy) error {
	if pol == nil || len(pol.ChangeWindows) == 0 {
		return nil
	}
	now := s.now()
	for _, w := range pol.ChangeWindows {
		open, err := windowOpen(w, now)
		if err != nil {
			log.Warn().Err(err).Str("cron", w.Cron).Msg("Skipping malformed change window")
			continue
		}
		if open {
			return nil
		}
	}
	return toolerr.Denied("POLICY_WINDOW_DENIED", "no change window is open").
		WithHint("retry inside a policy.change_windows slot or adjust the windows")
}

// windowOpen reports whether now falls within [activation, activation+duration)
// for the window's most recent cron activation.
func windowOpen(w projects.ChangeWindow, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(w.Cron)
	if err != nil {
		return false, fmt.Errorf("invalid cron %q: %w", w.Cron, err)
	}
	dur, err := time.ParseDuration(w.Duration)
	if err != nil || dur <= 0 {
		return false, fmt.Errorf("invalid duration %q", w.Duration)
	}
	// Walk back far enough that at least one activation precedes now.
	probe := now.Add(-dur)
	for i := 0; i < 4; i++ {
		next := sched.Next(probe)
		if next.After(now) {
			break
		}
		if !now.Before(next) && now.Before(next.Add(dur)) {
			return true, nil
		}
		probe = next
	}
	return false, nil
}

type lockRecord struct {
	Holder    string `json:"holder"`
	ExpiresAt int64  `json:"expires_at"`
}

// AcquireLock takes the per-(project,target) advisory lock for traceID. A
// live lock held by another trace denies with POLICY_LOCK_HELD; re-entry by
// the same holder refreshes the TTL.
func (s *Service) AcquireLock(project, target, traceID string, pol *projects.Policy) (release func(), err error) {
	if pol != nil && !pol.LockEnabled() {
		return func() {}, nil
	}
	ttl := DefaultLockTTL
	if pol != nil && pol.Lock.TTLMS > 0 {
		ttl = time.Duration(pol.Lock.TTLMS) * time.Millisecond
	}
	key := lockKey(project, target)
	now := s.now()

	err = s.state.Update(key, state.ScopePersistent, func(current any, exists bool) (any, bool, error) {
		if exists {
			rec := decodeLock(current)
			if rec.Holder != "" && rec.Holder != traceID && rec.ExpiresAt > now.UnixMilli() {
				remaining := time.Duration(rec.ExpiresAt-now.UnixMilli()) * time.Millisecond
				return nil, true, toolerr.Denied("POLICY_LOCK_HELD",
					"target %s/%s is locked by trace %s", project, target, rec.Holder).
					WithHint(fmt.Sprintf("lock expires in %s; retry later or wait for the holder", remaining.Round(time.Second)))
			}
		}
		next := map[string]any{
			"holder":     traceID,
			"expires_at": now.Add(ttl).UnixMilli(),
		}
		return next, true, nil
	})
	if err != nil {
		return nil, err
	}

	release = func() {
		relErr := s.state.Update(key, state.ScopePersistent, func(current any, exists bool) (any, bool, error) {
			if !exists {
				return nil, false, nil
			}
			if decodeLock(current).Holder != traceID {
				// Someone else re-acquired after our TTL lapsed; leave it.
				return current, true, nil
			}
			return nil, false, nil
		})
		if relErr != nil {
			log.Warn().Err(relErr).Str("key", key).Msg("Lock release failed")
		}
	}
	return release, nil
}

func lockKey(project, target string) string {
	return lockKeyPrefix + project + "." + target
}

func decodeLock(v any) lockRecord {
	m, ok := v.(map[string]any)
	if !ok {
		return lockRecord{}
	}
	rec := lockRecord{}
	if h, ok := m["holder"].(string); ok {
		rec.Holder = h
	}
	switch e := m["expires_at"].(type) {
	case float64:
		rec.ExpiresAt = int64(e)
	case int64:
		rec.ExpiresAt = e
	}
	return rec
}

// CheckPlanEvidence requires a gitops.plan artifact under the plan trace
// before sync/rollback runs, unless override is set.
func (s *Service) CheckPlanEvidence(planTraceID string, override bool) error {
	if override {
		return nil
	}
	denied := toolerr.Denied("PLAN_EVIDENCE_MISSING",
		"no gitops.plan evidence found for trace %s", planTraceID).
		WithHint("run gitops.plan first, or pass skip_plan_check:true to override")
	if planTraceID == "" || s.artifacts == nil || !s.artifacts.Available() {
		return denied
	}
	entries, err := s.artifacts.List("runs/"+planTraceID+"/", 0)
	if err != nil || len(entries) == 0 {
		return denied
	}
	return nil
}
