package runner

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// WriteAction is one of the gated repo mutations.
type WriteAction string

const (
	ActionApplyPatch WriteAction = "apply_patch"
	ActionGitCommit  WriteAction = "git_commit"
	ActionGitPush    WriteAction = "git_push"
	ActionGitRevert  WriteAction = "git_revert"
)

// GateWrite rejects a write action that was not explicitly approved.
func GateWrite(action WriteAction, apply bool) error {
	if apply {
		return nil
	}
	return toolerr.Denied("APPLY_REQUIRED", "%s mutates the repo; pass apply:true to confirm", action).
		WithHint("re-run with apply:true once the diff has been reviewed")
}

// ApplyPatch lints and applies a unified diff inside repo_root.
func (r *Runner) ApplyPatch(ctx context.Context, req Request, patch string, apply bool) (*Result, error) {
	if err := GateWrite(ActionApplyPatch, apply); err != nil {
		return nil, err
	}
	if strings.TrimSpace(patch) == "" {
		return nil, toolerr.InvalidParams("MISSING_INPUTS", "patch is required")
	}
	if err := LintPatch(patch); err != nil {
		return nil, err
	}
	req.Command = "git"
	req.Args = []string{"apply", "--whitespace=nowarn", "-"}
	req.Stdin = patch
	return r.Exec(ctx, req)
}

// GitCommit stages everything and commits with the given message.
func (r *Runner) GitCommit(ctx context.Context, req Request, message string, apply bool) (*Result, error) {
	if err := GateWrite(ActionGitCommit, apply); err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, toolerr.InvalidParams("MISSING_INPUTS", "message is required")
	}
	req.Command = "git"
	req.Args = []string{"add", "-A"}
	if res, err := r.Exec(ctx, req); err != nil {
		return nil, err
	} else if res.ExitCode != 0 {
		return res, nil
	}
	req.Args = []string{"commit", "-m", message}
	return r.Exec(ctx, req)
}

// GitPush pushes the current branch to a remote.
func (r *Runner) GitPush(ctx context.Context, req Request, remote, branch string, apply bool) (*Result, error) {
	if err := GateWrite(ActionGitPush, apply); err != nil {
		return nil, err
	}
	args := []string{"push"}
	if remote != "" {
		args = append(args, remote)
	}
	if branch != "" {
		args = append(args, branch)
	}
	req.Command = "git"
	req.Args = args
	return r.Exec(ctx, req)
}

// GitRevert reverts a commit without opening an editor.
func (r *Runner) GitRevert(ctx context.Context, req Request, ref string, apply bool) (*Result, error) {
	if err := GateWrite(ActionGitRevert, apply); err != nil {
		return nil, err
	}
	if ref == "" {
		ref = "HEAD"
	}
	req.Command = "git"
	req.Args = []string{"revert", "--no-edit", ref}
	return r.Exec(ctx, req)
}

// LintPatch rejects hunks whose headers reference paths that would land
// outside the repo root once applied. Paths in git diffs are repo-relative,
// so absolute paths and .. traversal are the escape vectors.
func LintPatch(patch string) error {
	for _, line := range strings.Split(patch, "\n") {
		var target string
		switch {
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			target = strings.TrimSpace(line[4:])
		case strings.HasPrefix(line, "diff --git "):
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				target = fields[2]
			}
		default:
			continue
		}
		if target == "" || target == "/dev/null" {
			continue
		}
		// Strip the a/ b/ prefix git puts on paths.
		if len(target) > 2 && (strings.HasPrefix(target, "a/") || strings.HasPrefix(target, "b/")) {
			target = target[2:]
		}
		if tab := strings.IndexByte(target, '\t'); tab >= 0 {
			target = target[:tab]
		}
		if filepath.IsAbs(target) || strings.HasPrefix(target, "..") ||
			strings.Contains(target, "/../") || strings.HasSuffix(target, "/..") {
			return toolerr.Denied("ESCAPES_REPO_ROOT",
				"patch references a path outside the repo: %s", target)
		}
	}
	return nil
}
