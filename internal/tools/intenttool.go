package tools

import (
	"context"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/intent"
)

func registerIntent(e *executor.Executor, d Deps) {
	e.Register(&executor.ToolDef{
		Name:        "mcp_intent",
		Description: "Compile typed intents into capability plans and execute them under the policy gates",
		InputSchema: schema(map[string]any{
			"action":          prop("string", "compile, dry_run, or execute"),
			"type":            prop("string", "intent type, e.g. gitops.sync"),
			"inputs":          map[string]any{"type": "object", "description": "intent inputs"},
			"project":         prop("string", "project name"),
			"target":          prop("string", "target within the project"),
			"apply":           prop("boolean", "approve write effects"),
			"stop_on_error":   prop("boolean", "stop at the first failed step (default true)"),
			"save_evidence":   prop("boolean", "persist the plan evidence bundle (default true)"),
			"skip_plan_check": prop("boolean", "bypass the plan-before-write evidence gate"),
		}, "action"),
		Handler: func(ctx context.Context, call *executor.Call) (any, error) {
			in, err := intentFromArgs(call)
			if err != nil {
				return nil, err
			}
			switch call.Action {
			case "compile":
				return d.Planner.Compile(*in)
			case "dry_run":
				return d.Planner.DryRun(*in)
			case "execute":
				return d.Planner.Execute(ctx, executeRequest(call, *in))
			default:
				return nil, unknownAction("mcp_intent", call.Action, "compile", "dry_run", "execute")
			}
		},
	})
}

// registerWorkspace exposes the curated gitops surface: each action is sugar
// for an intent of the same name.
func registerWorkspace(e *executor.Executor, d Deps) {
	actions := []string{"status", "plan", "propose", "sync", "verify", "rollback", "release"}
	known := map[string]bool{}
	for _, a := range actions {
		known[a] = true
	}

	e.Register(&executor.ToolDef{
		Name:        "mcp_workspace",
		Description: "GitOps workspace operations: status, plan, propose, sync, verify, rollback, release",
		InputSchema: schema(map[string]any{
			"action":          prop("string", "status, plan, propose, sync, verify, rollback, or release"),
			"inputs":          map[string]any{"type": "object", "description": "operation inputs"},
			"project":         prop("string", "project name"),
			"target":          prop("string", "target within the project"),
			"apply":           prop("boolean", "approve write effects"),
			"dry_run":         prop("boolean", "compile and preview without running"),
			"skip_plan_check": prop("boolean", "bypass the plan-before-write evidence gate"),
		}, "action"),
		Handler: func(ctx context.Context, call *executor.Call) (any, error) {
			if !known[call.Action] {
				return nil, unknownAction("mcp_workspace", call.Action, actions...)
			}
			in, err := intentFromArgs(call)
			if err != nil {
				return nil, err
			}
			in.Type = "gitops." + call.Action
			if optBool(call.Args, "dry_run") {
				return d.Planner.DryRun(*in)
			}
			return d.Planner.Execute(ctx, executeRequest(call, *in))
		},
	})
}

func intentFromArgs(call *executor.Call) (*intent.Intent, error) {
	in := &intent.Intent{
		Type:    optString(call.Args, "type"),
		Inputs:  optMap(call.Args, "inputs"),
		Apply:   optBool(call.Args, "apply"),
		Project: optString(call.Args, "project"),
		Target:  optString(call.Args, "target"),
	}
	if call.Tool == "mcp_intent" && in.Type == "" {
		return nil, reqErr("type")
	}
	return in, nil
}

func executeRequest(call *executor.Call, in intent.Intent) intent.ExecuteRequest {
	req := intent.ExecuteRequest{
		Intent:        in,
		SaveEvidence:  true,
		SkipPlanCheck: optBool(call.Args, "skip_plan_check"),
		TraceID:       call.TraceID,
		ParentSpanID:  call.SpanID,
	}
	if v, ok := call.Args["save_evidence"].(bool); ok {
		req.SaveEvidence = v
	}
	if v, ok := call.Args["stop_on_error"].(bool); ok {
		req.StopOnError = &v
	}
	return req
}
