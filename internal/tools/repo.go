package tools

import (
	"context"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/projects"
	"github.com/sentryfrogg/sentryfrogg/internal/runner"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

func registerRepo(e *executor.Executor, d Deps) {
	e.Register(&executor.ToolDef{
		Name:        "mcp_repo",
		Description: "Run allowlisted commands inside a repository; write actions (apply_patch, git_commit, git_push, git_revert) require apply:true",
		InputSchema: schema(map[string]any{
			"action":            prop("string", "exec, apply_patch, git_commit, git_push, or git_revert"),
			"command":           prop("string", "bare command name for exec, e.g. git"),
			"args":              map[string]any{"type": "array", "items": prop("string", ""), "description": "command arguments"},
			"project":           prop("string", "resolve repo_root from the project registry"),
			"target":            prop("string", "target within the project"),
			"repo_root":         prop("string", "explicit repository root"),
			"cwd":               prop("string", "working directory inside repo_root"),
			"stdin":             prop("string", "data piped to the command"),
			"timeout_ms":        prop("integer", "budget before the command is stopped"),
			"detach_on_timeout": prop("boolean", "hand long commands to the job manager instead of killing them"),
			"apply":             prop("boolean", "confirm a write action"),
			"patch":             prop("string", "unified diff for apply_patch"),
			"message":           prop("string", "commit message"),
			"remote":            prop("string", "push remote"),
			"branch":            prop("string", "push branch"),
			"ref":               prop("string", "commit to revert"),
		}, "action"),
		Handler: func(ctx context.Context, call *executor.Call) (any, error) {
			req, remote, pol, err := buildRepoRequest(d, call)
			if err != nil {
				return nil, err
			}
			apply := optBool(call.Args, "apply")

			switch call.Action {
			case "exec":
				req.Command, err = reqString(call.Args, "command")
				if err != nil {
					return nil, err
				}
				req.Args = optStrings(call.Args, "args")
				return d.Runner.Exec(ctx, *req)
			case "apply_patch":
				patch, err := reqString(call.Args, "patch")
				if err != nil {
					return nil, err
				}
				return d.Runner.ApplyPatch(ctx, *req, patch, apply)
			case "git_commit":
				msg, err := reqString(call.Args, "message")
				if err != nil {
					return nil, err
				}
				return d.Runner.GitCommit(ctx, *req, msg, apply)
			case "git_push":
				pushRemote := optString(call.Args, "remote")
				if pushRemote == "" {
					pushRemote = remote
				}
				if apply && d.Policy != nil {
					if err := d.Policy.CheckRemote(pol, pushRemote); err != nil {
						return nil, err
					}
				}
				return d.Runner.GitPush(ctx, *req, pushRemote, optString(call.Args, "branch"), apply)
			case "git_revert":
				ref, err := reqString(call.Args, "ref")
				if err != nil {
					return nil, err
				}
				return d.Runner.GitRevert(ctx, *req, ref, apply)
			default:
				return nil, unknownAction("mcp_repo", call.Action,
					"exec", "apply_patch", "git_commit", "git_push", "git_revert")
			}
		},
	})
}

// buildRepoRequest resolves repo_root/cwd from explicit args or the project
// registry and carries the target's policy along for push gating.
func buildRepoRequest(d Deps, call *executor.Call) (*runner.Request, string, *projects.Policy, error) {
	req := &runner.Request{
		RepoRoot:        optString(call.Args, "repo_root"),
		Cwd:             optString(call.Args, "cwd"),
		Stdin:           optString(call.Args, "stdin"),
		TimeoutMS:       optInt64(call.Args, "timeout_ms", 0),
		DetachOnTimeout: optBool(call.Args, "detach_on_timeout"),
		TraceID:         call.TraceID,
		SpanID:          call.SpanID,
	}
	var remote string
	var pol *projects.Policy

	project := optString(call.Args, "project")
	if project != "" {
		res, err := d.Projects.Resolve(project, optString(call.Args, "target"))
		if err != nil {
			return nil, "", nil, err
		}
		if req.RepoRoot == "" {
			req.RepoRoot = res.Spec.RepoRoot
		}
		if req.Cwd == "" {
			req.Cwd = res.Spec.Cwd
		}
		remote = res.Spec.Remote
		pol = res.Spec.Policy
	}
	if req.RepoRoot == "" {
		return nil, "", nil, toolerr.InvalidParams("MISSING_INPUTS",
			"repo_root is required (directly or via project/target)")
	}
	return req, remote, pol, nil
}
