package tools

import (
	"context"

	"github.com/sentryfrogg/sentryfrogg/internal/detect"
	"github.com/sentryfrogg/sentryfrogg/internal/executor"
)

func registerContext(e *executor.Executor, d Deps) {
	e.Register(&executor.ToolDef{
		Name:        "mcp_context",
		Description: "Detect the working context (repo markers, gitops tooling, kubernetes manifests) for a project/target or directory",
		InputSchema: schema(map[string]any{
			"action":    prop("string", "get (cached) or refresh (re-derive)"),
			"project":   prop("string", "project name from the registry"),
			"target":    prop("string", "target name within the project"),
			"cwd":       prop("string", "directory to inspect when no project is given"),
			"repo_root": prop("string", "repository root override"),
		}),
		Handler: func(_ context.Context, call *executor.Call) (any, error) {
			switch call.Action {
			case "", "get", "refresh":
			default:
				return nil, unknownAction("mcp_context", call.Action, "get", "refresh")
			}
			ctx, err := d.Detector.Detect(detect.Request{
				Project:  optString(call.Args, "project"),
				Target:   optString(call.Args, "target"),
				Cwd:      optString(call.Args, "cwd"),
				RepoRoot: optString(call.Args, "repo_root"),
				Refresh:  call.Action == "refresh",
			})
			if err != nil {
				return nil, err
			}
			return ctx, nil
		},
	})
}
