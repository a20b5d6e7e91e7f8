// Package tools holds the handler behind every catalog entry. Handlers are
// thin: argument validation plus a call into the owning store or service;
// the executor's envelope pipeline does the rest.
package tools

import (
	"context"
	"fmt"

	"github.com/sentryfrogg/sentryfrogg/internal/artifacts"
	"github.com/sentryfrogg/sentryfrogg/internal/audit"
	"github.com/sentryfrogg/sentryfrogg/internal/capability"
	"github.com/sentryfrogg/sentryfrogg/internal/detect"
	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/intent"
	"github.com/sentryfrogg/sentryfrogg/internal/jobs"
	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/policy"
	"github.com/sentryfrogg/sentryfrogg/internal/profiles"
	"github.com/sentryfrogg/sentryfrogg/internal/projects"
	"github.com/sentryfrogg/sentryfrogg/internal/runbook"
	"github.com/sentryfrogg/sentryfrogg/internal/runner"
	"github.com/sentryfrogg/sentryfrogg/internal/state"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// Deps is everything the handlers reach into.
type Deps struct {
	Paths        *paths.Paths
	Profiles     *profiles.Store
	State        *state.Store
	Artifacts    *artifacts.Store
	Audit        *audit.Log
	Detector     *detect.Detector
	Projects     *projects.Registry
	Capabilities *capability.Registry
	Runbooks     *runbook.Registry
	Engine       *runbook.Engine
	Planner      *intent.Planner
	Runner       *runner.Runner
	Jobs         *jobs.Manager
	Policy       *policy.Service

	SSH      SSHProvider
	SQL      SQLProvider
	Vault    VaultProvider
	Pipeline PipelineProvider
}

// RegisterAll installs the full catalog on the executor.
func RegisterAll(e *executor.Executor, d Deps) {
	registerHelp(e)
	registerContext(e, d)
	registerArtifacts(e, d)
	registerRepo(e, d)
	registerState(e, d)
	registerRunbook(e, d)
	registerCapability(e, d)
	registerAliasPreset(e)
	registerAudit(e, d)
	registerIntent(e, d)
	registerWorkspace(e, d)
	registerJobs(e, d)
	registerEnv(e)
	registerAPIClient(e, d)
	registerProviders(e, d)
}

// Invoker adapts the executor to the runbook engine's dispatch interface.
type Invoker struct {
	Exec *executor.Executor
}

// Invoke runs one step through the full envelope pipeline.
func (i *Invoker) Invoke(ctx context.Context, inv runbook.Invocation) (*runbook.Outcome, error) {
	env, err := i.Exec.Execute(ctx, executor.Request{
		Tool:         inv.Tool,
		Args:         inv.Args,
		TraceID:      inv.TraceID,
		ParentSpanID: inv.ParentSpanID,
	})
	if err != nil {
		return nil, err
	}
	meta := map[string]any{
		"tool":        env.Meta.Tool,
		"action":      env.Meta.Action,
		"span_id":     env.Meta.SpanID,
		"duration_ms": env.Meta.DurationMS,
	}
	return &runbook.Outcome{Result: env.Result, Meta: meta}, nil
}

// argument helpers; handlers fail with MISSING_INPUTS naming the field.

func reqString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", reqErr(key)
	}
	return v, nil
}

func reqErr(key string) error {
	return toolerr.InvalidParams("MISSING_INPUTS", "%s is required", key)
}

func optString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func optBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func optMap(args map[string]any, key string) map[string]any {
	v, _ := args[key].(map[string]any)
	return v
}

func optInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func optInt64(args map[string]any, key string, fallback int64) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return fallback
}

func optStrings(args map[string]any, key string) []string {
	items, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func unknownAction(tool, action string, known ...string) error {
	return toolerr.InvalidParams("UNKNOWN_ACTION", "%s does not support action %q", tool, action).
		WithHint(fmt.Sprintf("known actions: %v", known))
}

func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}
