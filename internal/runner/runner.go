// Package runner executes the external commands GitOps runbooks need (git,
// kubectl, helm, kustomize, argocd, flux) without ever opening a shell.
// Commands are allowlisted, paths are confined to repo_root, capture and
// inline output are budgeted, and overruns spill to artifacts.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/sentryfrogg/sentryfrogg/internal/artifacts"
	"github.com/sentryfrogg/sentryfrogg/internal/jobs"
	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

const (
	DefaultMaxCaptureBytes = 256 * 1024
	DefaultMaxInlineBytes  = 16 * 1024
	DefaultTimeoutMS       = 55_000
	killGracePeriod        = 3 * time.Second
)

var defaultAllowed = []string{"git", "kubectl", "helm", "kustomize", "argocd", "flux"}

// Shell interpreters are denied outright, both as the command and smuggled
// into argument lists of allowlisted tools.
var shellDenylist = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
	"fish": true, "csh": true, "tcsh": true, "cmd": true, "cmd.exe": true,
	"powershell": true, "powershell.exe": true, "pwsh": true, "python": true,
	"python3": true, "perl": true, "ruby": true, "node": true,
}

var shellEvalFlags = map[string]bool{"-c": true, "/c": true, "/C": true, "-Command": true, "-e": true}

// Runner confines subprocess execution to a repo root.
type Runner struct {
	artifacts *artifacts.Store
	jobs      *jobs.Manager
}

// commandAllowed checks the built-in allowlist plus SF_REPO_ALLOWED_COMMANDS
// (comma-separated, wildcard patterns accepted).
func commandAllowed(base string) bool {
	for _, c := range defaultAllowed {
		if c == base {
			return true
		}
	}
	for _, pattern := range strings.Split(os.Getenv("SF_REPO_ALLOWED_COMMANDS"), ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern != "" && !shellDenylist[pattern] && wildcard.Match(pattern, base) {
			return true
		}
	}
	return false
}

// New builds a runner.
func New(art *artifacts.Store, jm *jobs.Manager) *Runner {
	return &Runner{artifacts: art, jobs: jm}
}

// Request is one subprocess invocation.
type Request struct {
	Command         string
	Args            []string
	RepoRoot        string
	Cwd             string
	Env             map[string]string
	Stdin           string
	TimeoutMS       int64
	MaxCaptureBytes int
	MaxInlineBytes  int
	DetachOnTimeout bool
	TraceID         string
	SpanID          string
}

// Result is the captured outcome of a subprocess.
type Result struct {
	ExitCode   int   `json:"exit_code"`
	TimedOut   bool  `json:"timed_out"`
	DurationMS int64 `json:"duration_ms"`

	StdoutInline          string `json:"stdout_inline"`
	StdoutRef             string `json:"stdout_ref,omitempty"`
	StdoutCapturedBytes   int    `json:"stdout_captured_bytes"`
	StdoutTruncated       bool   `json:"stdout_truncated"`
	StdoutInlineTruncated bool   `json:"stdout_inline_truncated"`

	StderrInline          string `json:"stderr_inline"`
	StderrRef             string `json:"stderr_ref,omitempty"`
	StderrCapturedBytes   int    `json:"stderr_captured_bytes"`
	StderrTruncated       bool   `json:"stderr_truncated"`
	StderrInlineTruncated bool   `json:"stderr_inline_truncated"`

	Detached bool   `json:"detached,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Wait     string `json:"wait,omitempty"`
	Logs     string `json:"logs,omitempty"`
}

// Exec validates, confines, and runs one command.
func (r *Runner) Exec(ctx context.Context, req Request) (*Result, error) {
	if err := r.validate(&req); err != nil {
		return nil, err
	}

	budget := paths.EnvInt64("SF_TOOL_CALL_TIMEOUT_MS", DefaultTimeoutMS)
	timeout := req.TimeoutMS
	if timeout <= 0 {
		timeout = budget
	}
	if timeout > budget {
		if req.DetachOnTimeout {
			return r.detach(req, timeout)
		}
		timeout = budget
	}

	return r.run(ctx, req, time.Duration(timeout)*time.Millisecond)
}

func (r *Runner) validate(req *Request) error {
	if req.Command == "" {
		return toolerr.InvalidParams("MISSING_INPUTS", "command is required")
	}
	base := strings.ToLower(filepath.Base(req.Command))
	if shellDenylist[base] {
		return toolerr.Denied("COMMAND_NOT_ALLOWED", "shell interpreters are not permitted: %s", req.Command)
	}
	if strings.ContainsAny(req.Command, "/\\") {
		return toolerr.Denied("COMMAND_NOT_ALLOWED", "command must be a bare name, not a path: %s", req.Command)
	}
	if !commandAllowed(base) {
		return toolerr.Denied("COMMAND_NOT_ALLOWED", "command not allowlisted: %s", req.Command).
			WithHint("allowed: " + strings.Join(defaultAllowed, ", ") + " plus SF_REPO_ALLOWED_COMMANDS")
	}
	for i, arg := range req.Args {
		if shellDenylist[strings.ToLower(filepath.Base(arg))] && hasEvalFlag(req.Args[i+1:]) {
			return toolerr.Denied("COMMAND_NOT_ALLOWED",
				"argument list smuggles a shell interpreter: %s", arg)
		}
	}

	if req.RepoRoot == "" {
		return toolerr.InvalidParams("MISSING_INPUTS", "repo_root is required")
	}
	root, err := realPath(req.RepoRoot)
	if err != nil {
		return toolerr.InvalidParams("MISSING_INPUTS", "repo_root does not resolve: %v", err)
	}
	req.RepoRoot = root

	cwd := req.Cwd
	if cwd == "" {
		cwd = root
	} else if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(root, cwd)
	}
	cwd, err = realPath(cwd)
	if err != nil {
		return toolerr.InvalidParams("ESCAPES_REPO_ROOT", "cwd does not resolve: %v", err)
	}
	if !within(root, cwd) {
		return toolerr.Denied("ESCAPES_REPO_ROOT", "cwd %s is outside repo_root", cwd)
	}
	req.Cwd = cwd
	return nil
}

func hasEvalFlag(args []string) bool {
	for _, a := range args {
		if shellEvalFlags[a] {
			return true
		}
	}
	return false
}

func realPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// capBuffer keeps at most max bytes, counting everything offered.
type capBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	max   int
	total int64
}

func (c *capBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += int64(len(p))
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		c.buf.Write(p)
	}
	return len(p), nil
}

func (c *capBuffer) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *capBuffer) overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total > int64(c.buf.Len())
}

func (r *Runner) run(ctx context.Context, req Request, timeout time.Duration) (*Result, error) {
	maxCapture := req.MaxCaptureBytes
	if maxCapture <= 0 {
		maxCapture = paths.EnvInt("SF_REPO_EXEC_MAX_CAPTURE_BYTES", DefaultMaxCaptureBytes)
	}
	maxInline := req.MaxInlineBytes
	if maxInline <= 0 {
		maxInline = paths.EnvInt("SF_REPO_EXEC_MAX_INLINE_BYTES", DefaultMaxInlineBytes)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Command, req.Args...)
	cmd.Dir = req.Cwd
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	stdout := &capBuffer{max: maxCapture}
	stderr := &capBuffer{max: maxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Soft kill first; escalate after the grace window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	res := &Result{
		DurationMS: duration.Milliseconds(),
		TimedOut:   runCtx.Err() == context.DeadlineExceeded,
	}
	switch {
	case err == nil:
		res.ExitCode = 0
	case cmd.ProcessState != nil:
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		return nil, toolerr.Internal("EXEC_FAILED", "failed to start %s: %v", req.Command, err)
	}
	if res.ExitCode < 0 {
		res.ExitCode = -1
	}

	r.shapeStream(stdout, maxInline, req, "stdout.log",
		&res.StdoutInline, &res.StdoutRef, &res.StdoutCapturedBytes,
		&res.StdoutTruncated, &res.StdoutInlineTruncated)
	r.shapeStream(stderr, maxInline, req, "stderr.log",
		&res.StderrInline, &res.StderrRef, &res.StderrCapturedBytes,
		&res.StderrTruncated, &res.StderrInlineTruncated)

	log.Debug().
		Str("command", req.Command).
		Int("exitCode", res.ExitCode).
		Bool("timedOut", res.TimedOut).
		Int64("durationMs", res.DurationMS).
		Msg("Runner command finished")
	return res, nil
}

// shapeStream applies the inline budget to one captured stream and spills
// the full capture to an artifact when anything was cut.
func (r *Runner) shapeStream(buf *capBuffer, maxInline int, req Request, name string,
	inline, ref *string, captured *int, truncated, inlineTruncated *bool) {

	data := buf.bytes()
	*captured = len(data)
	*truncated = buf.overflowed()

	if len(data) > maxInline {
		*inline = truncateUTF8(data, maxInline)
		*inlineTruncated = true
	} else {
		*inline = string(data)
	}

	if (*truncated || *inlineTruncated) && r.artifacts != nil && r.artifacts.Available() && len(data) > 0 {
		wr, err := r.artifacts.Write(req.TraceID, req.SpanID, name, data)
		if err != nil {
			log.Warn().Err(err).Str("name", name).Msg("Stream spill failed")
		} else if wr != nil {
			*ref = wr.URI
		}
	}
}

// truncateUTF8 cuts data to at most max bytes on a rune boundary.
func truncateUTF8(data []byte, max int) string {
	if len(data) <= max {
		return string(data)
	}
	cut := data[:max]
	// Drop at most a trailing partial rune.
	for i := 0; i < utf8.UTFMax-1 && len(cut) > 0; i++ {
		r, size := utf8.DecodeLastRune(cut)
		if r != utf8.RuneError || size != 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return string(cut)
}

// detach hands a long command to the job manager and returns immediately.
func (r *Runner) detach(req Request, timeoutMS int64) (*Result, error) {
	if r.jobs == nil {
		return nil, toolerr.InvalidParams("MISSING_INPUTS",
			"detach_on_timeout requires the job manager")
	}
	rec := r.jobs.Create(jobs.CreateRequest{
		Kind:         "repo_exec",
		TraceID:      req.TraceID,
		ParentSpanID: req.SpanID,
		Provider:     "runner",
		Progress: map[string]any{
			"command": req.Command,
			"args":    req.Args,
		},
	})

	go func() {
		_, err := r.jobs.Upsert(rec.JobID, jobs.Update{Status: jobs.StatusRunning})
		if err != nil {
			log.Warn().Err(err).Str("jobId", rec.JobID).Msg("Job start update failed")
		}
		res, err := r.run(context.Background(), req, time.Duration(timeoutMS)*time.Millisecond)
		upd := jobs.Update{Status: jobs.StatusSucceeded}
		switch {
		case err != nil:
			upd.Status = jobs.StatusFailed
			upd.Error = err.Error()
		case res.ExitCode != 0 || res.TimedOut:
			upd.Status = jobs.StatusFailed
			upd.Error = fmt.Sprintf("exit_code=%d timed_out=%v", res.ExitCode, res.TimedOut)
		}
		if err == nil {
			upd.Progress = map[string]any{
				"exit_code":   res.ExitCode,
				"duration_ms": res.DurationMS,
			}
			if res.StdoutRef != "" {
				upd.Artifacts = append(upd.Artifacts, res.StdoutRef)
			}
			if res.StderrRef != "" {
				upd.Artifacts = append(upd.Artifacts, res.StderrRef)
			}
		}
		if _, uerr := r.jobs.Upsert(rec.JobID, upd); uerr != nil {
			log.Warn().Err(uerr).Str("jobId", rec.JobID).Msg("Job completion update failed")
		}
	}()

	return &Result{
		Detached: true,
		JobID:    rec.JobID,
		Wait:     fmt.Sprintf(`mcp_job {"action":"get","job_id":"%s"}`, rec.JobID),
		Logs:     fmt.Sprintf("artifact://runs/%s/tool_calls/%s/", req.TraceID, req.SpanID),
	}, nil
}
