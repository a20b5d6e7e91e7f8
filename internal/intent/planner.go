// Package intent compiles an agent's high-level intent into an ordered,
// write-gated execution plan over the capability registry, then drives the
// runbook engine through it.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sentryfrogg/sentryfrogg/internal/capability"
	"github.com/sentryfrogg/sentryfrogg/internal/detect"
	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/policy"
	"github.com/sentryfrogg/sentryfrogg/internal/projects"
	"github.com/sentryfrogg/sentryfrogg/internal/redact"
	"github.com/sentryfrogg/sentryfrogg/internal/runbook"
	"github.com/sentryfrogg/sentryfrogg/internal/template"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// Intent is a typed request from the agent.
type Intent struct {
	Type    string         `json:"type"`
	Inputs  map[string]any `json:"inputs,omitempty"`
	Apply   bool           `json:"apply,omitempty"`
	Project string         `json:"project,omitempty"`
	Target  string         `json:"target,omitempty"`
}

// Step is one compiled capability invocation.
type Step struct {
	Capability string             `json:"capability"`
	Runbook    string             `json:"runbook"`
	Inputs     map[string]any     `json:"inputs"`
	Effects    capability.Effects `json:"effects"`
	Missing    []string           `json:"missing,omitempty"`
}

// Plan is a topologically-ordered list of steps plus aggregated effects.
type Plan struct {
	Intent  string             `json:"intent"`
	Steps   []Step             `json:"steps"`
	Effects capability.Effects `json:"effects"`
	Missing []string           `json:"missing,omitempty"`
	Context *detect.Context    `json:"context,omitempty"`
}

// Planner resolves, gates, and executes intents.
type Planner struct {
	caps     *capability.Registry
	engine   *runbook.Engine
	detector *detect.Detector
	projects *projects.Registry
	policy   *policy.Service
	paths    *paths.Paths
}

// NewPlanner wires the planner. policy may be nil to disable the gitops
// write guard (tests only).
func NewPlanner(caps *capability.Registry, engine *runbook.Engine, det *detect.Detector,
	reg *projects.Registry, pol *policy.Service, p *paths.Paths) *Planner {
	return &Planner{caps: caps, engine: engine, detector: det, projects: reg, policy: pol, paths: p}
}

// Compile resolves an intent to a plan without running anything.
func (p *Planner) Compile(in Intent) (*Plan, error) {
	if in.Type == "" {
		return nil, toolerr.InvalidParams("MISSING_INPUTS", "intent type is required")
	}

	ctx, err := p.attachContext(in)
	if err != nil {
		return nil, err
	}

	root, err := p.selectCapability(in.Type, ctx)
	if err != nil {
		return nil, err
	}

	order, err := p.expand(root)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Intent: in.Type, Context: ctx}
	missingSet := map[string]bool{}
	for _, cap := range order {
		step := p.buildStep(cap, in)
		plan.Steps = append(plan.Steps, step)
		for _, m := range step.Missing {
			missingSet[m] = true
		}
		plan.Effects = aggregate(plan.Effects, cap.Effects)
	}
	for m := range missingSet {
		plan.Missing = append(plan.Missing, m)
	}
	sort.Strings(plan.Missing)
	return plan, nil
}

func (p *Planner) attachContext(in Intent) (*detect.Context, error) {
	if p.detector == nil {
		return nil, nil
	}
	ctx, err := p.detector.Detect(detect.Request{Project: in.Project, Target: in.Target})
	if err != nil {
		// A missing project is a hard error; an unresolvable cwd-only
		// context just leaves matching to no-when capabilities.
		if te := toolerr.From(err); te.Code == "PROJECT_NOT_FOUND" || te.Code == "TARGET_NOT_FOUND" {
			return nil, err
		}
		log.Debug().Err(err).Msg("Context detection unavailable for intent")
		return nil, nil
	}
	return ctx, nil
}

// selectCapability applies the when-predicate match and tie-break rules.
func (p *Planner) selectCapability(intentType string, ctx *detect.Context) (*capability.Capability, error) {
	candidates := p.caps.ByIntent(intentType)
	if len(candidates) == 0 {
		return nil, toolerr.NotFound("CAPABILITY_NOT_FOUND", "no capability handles intent %q", intentType)
	}

	var tags []string
	if ctx != nil {
		tags = ctx.Tags
		if tags == nil {
			tags = []string{}
		}
	}
	var matches []*capability.Capability
	for _, cand := range candidates {
		if capability.MatchWhen(cand.When, tags) {
			matches = append(matches, cand)
		}
	}
	if len(matches) == 0 {
		return nil, toolerr.NotFound("CAPABILITY_NOT_MATCHED",
			"no capability for intent %q matches the current context", intentType).
			WithHint("check context tags via mcp_context, or register a capability without a when predicate")
	}
	for _, m := range matches {
		if m.Name == intentType {
			return m, nil
		}
	}
	// candidates arrive sorted by name, so the first match is lexicographic.
	return matches[0], nil
}

// expand walks depends_on DFS from the root, emitting post-order (leaves
// first). Cycles are re-checked here because registry contents can change
// between load and resolution.
func (p *Planner) expand(root *capability.Capability) ([]*capability.Capability, error) {
	var order []*capability.Capability
	visiting := map[string]bool{}
	done := map[string]bool{}

	var visit func(c *capability.Capability, path []string) error
	visit = func(c *capability.Capability, path []string) error {
		if done[c.Name] {
			return nil
		}
		if visiting[c.Name] {
			return toolerr.Internal("CAPABILITY_DEP_CYCLE",
				"capability dependency cycle: %s", strings.Join(append(path, c.Name), " -> "))
		}
		visiting[c.Name] = true
		for _, dep := range c.DependsOn {
			depCap, err := p.caps.Get(dep)
			if err != nil {
				return err
			}
			if err := visit(depCap, append(path, c.Name)); err != nil {
				return err
			}
		}
		visiting[c.Name] = false
		done[c.Name] = true
		order = append(order, c)
		return nil
	}
	if err := visit(root, nil); err != nil {
		return nil, err
	}
	return order, nil
}

// buildStep resolves inputs: defaults, then remapped fields, then optional
// pass-through; apply is always injected.
func (p *Planner) buildStep(cap *capability.Capability, in Intent) Step {
	resolved := map[string]any{}
	for k, v := range cap.Inputs.Defaults {
		resolved[k] = v
	}
	for target, source := range cap.Inputs.Map {
		if v, ok := template.Lookup(in.Inputs, source); ok {
			resolved[target] = v
		}
	}
	if cap.Inputs.PassThrough {
		for k, v := range in.Inputs {
			resolved[k] = v
		}
	}
	if in.Project != "" {
		resolved["project"] = in.Project
	}
	if in.Target != "" {
		resolved["target"] = in.Target
	}
	resolved["apply"] = in.Apply

	var missing []string
	for _, req := range cap.Inputs.Required {
		if v, ok := resolved[req]; !ok || v == nil {
			missing = append(missing, req)
		}
	}
	sort.Strings(missing)

	return Step{
		Capability: cap.Name,
		Runbook:    cap.Runbook,
		Inputs:     resolved,
		Effects:    cap.Effects,
		Missing:    missing,
	}
}

// aggregate folds one step's effects into the plan total: mixed dominates,
// then write, then read.
func aggregate(total, step capability.Effects) capability.Effects {
	out := capability.Effects{RequiresApply: total.RequiresApply || step.RequiresApply}
	switch {
	case total.Kind == capability.EffectMixed || step.Kind == capability.EffectMixed:
		out.Kind = capability.EffectMixed
	case total.Kind == capability.EffectWrite || step.Kind == capability.EffectWrite:
		out.Kind = capability.EffectWrite
	default:
		out.Kind = capability.EffectRead
	}
	return out
}

// ExecuteRequest parameterizes plan execution.
type ExecuteRequest struct {
	Intent        Intent
	DryRun        bool
	StopOnError   *bool
	SaveEvidence  bool
	SkipPlanCheck bool
	TraceID       string
	ParentSpanID  string
}

// ExecuteResult reports a full plan run.
type ExecuteResult struct {
	Plan    *Plan             `json:"plan"`
	Success bool              `json:"success"`
	DryRun  bool              `json:"dry_run,omitempty"`
	Steps   []map[string]any  `json:"steps,omitempty"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// DryRun compiles and returns the plan with a redacted input preview.
func (p *Planner) DryRun(in Intent) (*ExecuteResult, error) {
	plan, err := p.Compile(in)
	if err != nil {
		return nil, err
	}
	preview := *plan
	preview.Steps = make([]Step, len(plan.Steps))
	for i, step := range plan.Steps {
		shaped := step
		if redacted, ok := redact.Value(step.Inputs).(map[string]any); ok {
			shaped.Inputs = redacted
		}
		preview.Steps[i] = shaped
	}
	return &ExecuteResult{Plan: &preview, Success: true, DryRun: true}, nil
}

// Execute compiles, gates, and runs an intent.
func (p *Planner) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	plan, err := p.Compile(req.Intent)
	if err != nil {
		return nil, err
	}
	if len(plan.Missing) > 0 {
		return nil, toolerr.InvalidParams("MISSING_INPUTS",
			"intent %q is missing required inputs: %s", req.Intent.Type, strings.Join(plan.Missing, ", "))
	}
	if plan.Effects.RequiresApply && !req.Intent.Apply {
		return nil, toolerr.Denied("APPLY_REQUIRED",
			"intent %q has %s effects; pass apply:true to confirm", req.Intent.Type, plan.Effects.Kind).
			WithHint("compile or dry_run first to review the plan")
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	spanID := uuid.NewString()

	release, err := p.guard(req, plan, traceID)
	if err != nil {
		return nil, err
	}
	defer release()

	res := &ExecuteResult{
		Plan:    plan,
		Success: true,
		Trace:   map[string]string{"trace_id": traceID, "span_id": spanID},
	}
	stopOnError := req.StopOnError == nil || *req.StopOnError
	for _, step := range plan.Steps {
		run, err := p.engine.Run(ctx, runbook.RunRequest{
			Name:         step.Runbook,
			Input:        step.Inputs,
			TraceID:      traceID,
			ParentSpanID: spanID,
		})
		if err != nil {
			res.Success = false
			res.Steps = append(res.Steps, map[string]any{
				"capability": step.Capability, "runbook": step.Runbook,
				"success": false, "error": err.Error(),
			})
			if stopOnError {
				break
			}
			continue
		}
		res.Steps = append(res.Steps, map[string]any{
			"capability": step.Capability,
			"runbook":    step.Runbook,
			"success":    run.Success,
			"steps":      run.Steps,
		})
		if !run.Success {
			res.Success = false
			if stopOnError {
				break
			}
		}
	}

	if req.SaveEvidence {
		p.writeEvidence(traceID, req, plan, res)
	}
	return res, nil
}

// guard acquires the policy checks for gitops write intents; the returned
// release is safe to call unconditionally.
func (p *Planner) guard(req ExecuteRequest, plan *Plan, traceID string) (func(), error) {
	noop := func() {}
	if p.policy == nil || !strings.HasPrefix(req.Intent.Type, "gitops.") {
		return noop, nil
	}
	if plan.Effects.Kind != capability.EffectWrite && plan.Effects.Kind != capability.EffectMixed {
		return noop, nil
	}

	var pol *projects.Policy
	var remote string
	if p.projects != nil && req.Intent.Project != "" {
		res, err := p.projects.Resolve(req.Intent.Project, req.Intent.Target)
		if err != nil {
			return nil, err
		}
		if res != nil {
			pol = res.Spec.Policy
			remote = res.Spec.Remote
		}
	}

	if remote != "" {
		if err := p.policy.CheckRemote(pol, remote); err != nil {
			return nil, err
		}
	}
	if err := p.policy.CheckWindow(pol); err != nil {
		return nil, err
	}
	if req.Intent.Type == "gitops.sync" || req.Intent.Type == "gitops.rollback" {
		planTrace, _ := req.Intent.Inputs["plan_trace_id"].(string)
		if planTrace == "" {
			planTrace = traceID
		}
		if err := p.policy.CheckPlanEvidence(planTrace, req.SkipPlanCheck); err != nil {
			return nil, err
		}
	}
	release, err := p.policy.AcquireLock(req.Intent.Project, req.Intent.Target, traceID, pol)
	if err != nil {
		return nil, err
	}
	return release, nil
}

// writeEvidence persists a redacted bundle for later audits. Best-effort.
func (p *Planner) writeEvidence(traceID string, req ExecuteRequest, plan *Plan, res *ExecuteResult) {
	if p.paths == nil || p.paths.EvidenceDir == "" {
		return
	}
	bundle := map[string]any{
		"intent":      redact.Value(map[string]any{"type": req.Intent.Type, "inputs": req.Intent.Inputs, "project": req.Intent.Project, "target": req.Intent.Target}),
		"effects":     plan.Effects,
		"dry_run":     req.DryRun,
		"executed_at": time.Now().UTC().Format(time.RFC3339),
		"steps":       res.Steps,
		"success":     res.Success,
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(p.paths.EvidenceDir, 0o700); err != nil {
		log.Warn().Err(err).Msg("Evidence dir create failed")
		return
	}
	path := filepath.Join(p.paths.EvidenceDir, fmt.Sprintf("%s.json", traceID))
	if err := paths.WriteFileAtomic(path, data, 0o600); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Evidence write failed")
	}
}
