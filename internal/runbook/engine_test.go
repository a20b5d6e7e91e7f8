package runbook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

type fakeInvoker struct {
	mu       sync.Mutex
	calls    []Invocation
	handlers map[string]func(args map[string]any) (*Outcome, error)
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{handlers: map[string]func(args map[string]any) (*Outcome, error){}}
}

func (f *fakeInvoker) Invoke(_ context.Context, inv Invocation) (*Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	h := f.handlers[inv.Tool]
	f.mu.Unlock()
	if h != nil {
		return h(inv.Args)
	}
	return &Outcome{Result: map[string]any{"ok": true}, Meta: map[string]any{"tool": inv.Tool}}, nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestEngine(t *testing.T, inv Invoker) *Engine {
	t.Helper()
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "runbooks.json"))
	require.NoError(t, err)
	return NewEngine(reg, inv, nil)
}

func TestRunSimpleSteps(t *testing.T) {
	inv := newFakeInvoker()
	e := newTestEngine(t, inv)

	rb := &Runbook{Name: "two-step", Steps: []Step{
		{ID: "a", Tool: "mcp_repo", Args: map[string]any{"cmd": "git", "name": "{{input.name}}"}},
		{ID: "b", Tool: "mcp_state", Args: map[string]any{"prev": "{{steps.a.result.ok}}"}},
	}}

	res, err := e.RunInline(context.Background(), rb, RunRequest{Input: map[string]any{"name": "api"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "api", inv.calls[0].Args["name"])
	assert.Equal(t, true, inv.calls[1].Args["prev"], "step outputs feed later templates")
	assert.NotEmpty(t, res.TraceID)
}

func TestWhenSkips(t *testing.T) {
	inv := newFakeInvoker()
	e := newTestEngine(t, inv)

	no := false
	rb := &Runbook{Name: "guard", Steps: []Step{
		{ID: "skipme", Tool: "mcp_repo", When: &Predicate{Path: "input.run", Exists: &no}},
	}}

	res, err := e.RunInline(context.Background(), rb, RunRequest{Input: map[string]any{"run": true}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Steps[0].Skipped)
	assert.True(t, res.Steps[0].Success)
	assert.Equal(t, 0, inv.callCount())
}

func TestStopOnErrorDefault(t *testing.T) {
	inv := newFakeInvoker()
	inv.handlers["boom"] = func(map[string]any) (*Outcome, error) {
		return nil, fmt.Errorf("exploded")
	}
	e := newTestEngine(t, inv)

	rb := &Runbook{Name: "halting", Steps: []Step{
		{ID: "first", Tool: "boom"},
		{ID: "second", Tool: "mcp_repo"},
	}}

	res, err := e.RunInline(context.Background(), rb, RunRequest{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Steps, 1)
	assert.Contains(t, res.Steps[0].Error, "exploded")
}

func TestContinueOnError(t *testing.T) {
	inv := newFakeInvoker()
	inv.handlers["boom"] = func(map[string]any) (*Outcome, error) {
		return nil, fmt.Errorf("exploded")
	}
	e := newTestEngine(t, inv)

	rb := &Runbook{Name: "tolerant", Steps: []Step{
		{ID: "first", Tool: "boom", ContinueOnError: true},
		{ID: "second", Tool: "mcp_repo"},
	}}

	res, err := e.RunInline(context.Background(), rb, RunRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Steps, 2)
	assert.True(t, res.Steps[1].Success)
}

func TestForeachSequential(t *testing.T) {
	inv := newFakeInvoker()
	e := newTestEngine(t, inv)

	rb := &Runbook{Name: "fan", Steps: []Step{
		{
			ID:      "each",
			Tool:    "mcp_repo",
			Args:    map[string]any{"target": "{{item}}", "i": "{{index}}"},
			Foreach: &Foreach{Items: "{{input.targets}}"},
		},
	}}

	res, err := e.RunInline(context.Background(), rb, RunRequest{
		Input: map[string]any{"targets": []any{"dev", "stage", "prod"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, inv.callCount())
	assert.Equal(t, "dev", inv.calls[0].Args["target"])
	assert.Equal(t, 0, inv.calls[0].Args["i"])
	result := res.Steps[0].Result.(map[string]any)
	assert.Equal(t, 3, result["count"])
}

func TestForeachParallel(t *testing.T) {
	inv := newFakeInvoker()
	e := newTestEngine(t, inv)

	items := make([]any, 20)
	for i := range items {
		items[i] = fmt.Sprintf("host-%d", i)
	}
	rb := &Runbook{Name: "fanout", Steps: []Step{
		{
			ID:      "each",
			Tool:    "mcp_ssh_manager",
			Args:    map[string]any{"host": "{{item}}"},
			Foreach: &Foreach{Items: "{{input.hosts}}", Parallel: true},
		},
	}}

	res, err := e.RunInline(context.Background(), rb, RunRequest{Input: map[string]any{"hosts": items}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 20, inv.callCount())
}

func TestForeachNonArrayFails(t *testing.T) {
	inv := newFakeInvoker()
	e := newTestEngine(t, inv)

	rb := &Runbook{Name: "bad-fan", Steps: []Step{
		{ID: "each", Tool: "mcp_repo", Foreach: &Foreach{Items: "{{input.name}}"}},
	}}

	res, err := e.RunInline(context.Background(), rb, RunRequest{Input: map[string]any{"name": "api"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Steps[0].Error, "must resolve to an array")
}

func TestRetryUntilSatisfied(t *testing.T) {
	inv := newFakeInvoker()
	attempt := 0
	inv.handlers["mcp_workspace"] = func(map[string]any) (*Outcome, error) {
		attempt++
		status := "Progressing"
		if attempt >= 3 {
			status = "Healthy"
		}
		return &Outcome{Result: map[string]any{"status": status}}, nil
	}
	e := newTestEngine(t, inv)

	rb := &Runbook{Name: "wait-healthy", Steps: []Step{
		{
			ID:   "poll",
			Tool: "mcp_workspace",
			Retry: &Retry{
				MaxAttempts: 5,
				DelayMS:     1,
				Until:       &Predicate{Path: "result.status", Equals: "Healthy"},
			},
		},
	}}

	res, err := e.RunInline(context.Background(), rb, RunRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, attempt)
	assert.Equal(t, "Healthy", res.Steps[0].Result.(map[string]any)["status"])
}

func TestRetryExhausted(t *testing.T) {
	inv := newFakeInvoker()
	inv.handlers["flaky"] = func(map[string]any) (*Outcome, error) {
		return nil, fmt.Errorf("still down")
	}
	e := newTestEngine(t, inv)

	rb := &Runbook{Name: "never-up", Steps: []Step{
		{ID: "poll", Tool: "flaky", Retry: &Retry{MaxAttempts: 3, DelayMS: 1}},
	}}

	res, err := e.RunInline(context.Background(), rb, RunRequest{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Steps[0].Error, "Retry failed after 3 attempts")
	assert.Contains(t, res.Steps[0].Error, "still down")
}

func TestRetryOnErrorFalseFailsFast(t *testing.T) {
	inv := newFakeInvoker()
	calls := 0
	inv.handlers["flaky"] = func(map[string]any) (*Outcome, error) {
		calls++
		return nil, fmt.Errorf("down")
	}
	e := newTestEngine(t, inv)

	off := false
	rb := &Runbook{Name: "fail-fast", Steps: []Step{
		{ID: "poll", Tool: "flaky", Retry: &Retry{MaxAttempts: 5, DelayMS: 1, RetryOnError: &off}},
	}}

	res, err := e.RunInline(context.Background(), rb, RunRequest{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
}

func TestNestedRunbookForbidden(t *testing.T) {
	e := newTestEngine(t, newFakeInvoker())

	rb := &Runbook{Name: "matryoshka", Steps: []Step{
		{ID: "inner", Tool: "mcp_runbook", Args: map[string]any{"name": "other"}},
	}}

	_, err := e.RunInline(context.Background(), rb, RunRequest{})
	require.Error(t, err)
	assert.Equal(t, "RUNBOOK_NESTED", toolerr.From(err).Code)
}

func TestValidateRejectsBadShapes(t *testing.T) {
	cases := []struct {
		name string
		rb   Runbook
	}{
		{"empty", Runbook{Name: "x"}},
		{"dup-ids", Runbook{Name: "x", Steps: []Step{{ID: "a", Tool: "t"}, {ID: "a", Tool: "t"}}}},
		{"no-tool", Runbook{Name: "x", Steps: []Step{{ID: "a"}}}},
		{"foreach-and-retry", Runbook{Name: "x", Steps: []Step{{
			ID: "a", Tool: "t", Foreach: &Foreach{Items: []any{}}, Retry: &Retry{MaxAttempts: 1},
		}}}},
		{"attempts-over-cap", Runbook{Name: "x", Steps: []Step{{
			ID: "a", Tool: "t", Retry: &Retry{MaxAttempts: 51},
		}}}},
		{"delay-over-cap", Runbook{Name: "x", Steps: []Step{{
			ID: "a", Tool: "t", Retry: &Retry{MaxAttempts: 1, DelayMS: 61_000},
		}}}},
		{"backoff-under-one", Runbook{Name: "x", Steps: []Step{{
			ID: "a", Tool: "t", Retry: &Retry{MaxAttempts: 1, BackoffFactor: 0.5},
		}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rb.Validate()
			require.Error(t, err)
			assert.Equal(t, "RUNBOOK_INVALID", toolerr.From(err).Code)
		})
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runbooks.json")

	r1, err := NewRegistry(path)
	require.NoError(t, err)
	require.NoError(t, r1.Set("deploy", &Runbook{Steps: []Step{{ID: "a", Tool: "mcp_repo"}}}))

	r2, err := NewRegistry(path)
	require.NoError(t, err)
	rb, err := r2.Get("deploy")
	require.NoError(t, err)
	assert.Equal(t, "deploy", rb.Name)
	assert.Equal(t, []string{"deploy"}, r2.List())

	require.NoError(t, r2.Delete("deploy"))
	_, err = r2.Get("deploy")
	assert.Equal(t, "RUNBOOK_NOT_FOUND", toolerr.From(err).Code)
}

func TestRegistrySchemaRejectsMalformedDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown-step-field", `{"deploy": {"steps": [{"id": "a", "tool": "mcp_repo", "argz": {}}]}}`},
		{"steps-wrong-type", `{"deploy": {"steps": "sync"}}`},
		{"foreach-with-retry", `{"deploy": {"steps": [{"id": "a", "tool": "mcp_repo",
			"foreach": {"items": [1]}, "retry": {"max_attempts": 2}}]}}`},
		{"retry-attempts-over-cap", `{"deploy": {"steps": [{"id": "a", "tool": "mcp_repo",
			"retry": {"max_attempts": 99}}]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "runbooks.json")
			require.NoError(t, os.WriteFile(path, []byte(tc.doc), 0o600))

			_, err := NewRegistry(path)
			require.Error(t, err)
			te := toolerr.From(err)
			assert.Equal(t, "RUNBOOK_INVALID", te.Code)
			assert.Contains(t, te.Message, "deploy", "error names the offending record")
		})
	}
}

func TestPredicateLeaves(t *testing.T) {
	ctx := map[string]any{
		"result": map[string]any{
			"status":  "Healthy",
			"replicas": float64(3),
			"tags":    []any{"a", "b"},
			"message": "sync complete",
		},
	}

	yes := true
	cases := []struct {
		name string
		p    *Predicate
		want bool
	}{
		{"equals", &Predicate{Path: "result.status", Equals: "Healthy"}, true},
		{"not-equals", &Predicate{Path: "result.status", NotEquals: "Degraded"}, true},
		{"exists", &Predicate{Path: "result.status", Exists: &yes}, true},
		{"missing-exists", &Predicate{Path: "result.ghost", Exists: &yes}, false},
		{"in", &Predicate{Path: "result.status", In: []any{"Healthy", "Synced"}}, true},
		{"contains-string", &Predicate{Path: "result.message", Contains: "complete"}, true},
		{"contains-array", &Predicate{Path: "result.tags", Contains: "b"}, true},
		{"gt", &Predicate{Path: "result.replicas", GT: ptr(2.0)}, true},
		{"lt-false", &Predicate{Path: "result.replicas", LT: ptr(2.0)}, false},
		{"gte-int-vs-float", &Predicate{Path: "result.replicas", GTE: ptr(3.0)}, true},
		{"truthy-path", &Predicate{Path: "result.status"}, true},
		{"missing-comparison-fails-closed", &Predicate{Path: "result.ghost", Equals: "x"}, false},
		{"missing-not-equals-true", &Predicate{Path: "result.ghost", NotEquals: "x"}, true},
		{"and", &Predicate{And: []*Predicate{
			{Path: "result.status", Equals: "Healthy"},
			{Path: "result.replicas", GTE: ptr(3.0)},
		}}, true},
		{"or", &Predicate{Or: []*Predicate{
			{Path: "result.status", Equals: "Degraded"},
			{Path: "result.status", Equals: "Healthy"},
		}}, true},
		{"not", &Predicate{Not: &Predicate{Path: "result.status", Equals: "Degraded"}}, true},
		{"value-template", &Predicate{Value: "{{result.status}}", Equals: "Healthy"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.p.Eval(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func ptr(f float64) *float64 { return &f }
