package runbook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/sentryfrogg/sentryfrogg/internal/template"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

const (
	maxRetryAttempts      = 50
	maxRetryDelayMS       = 60_000
	maxCumulativeDelayMS  = 600_000
	defaultForeachWorkers = 8
)

// Invocation is one tool call requested by a runbook step.
type Invocation struct {
	Tool         string
	Args         map[string]any
	TraceID      string
	ParentSpanID string
	InvokedAs    string
}

// Outcome is what a tool call produced.
type Outcome struct {
	Result any
	Meta   map[string]any
}

// Invoker dispatches a step's tool call. The tool executor satisfies this.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Outcome, error)
}

// Engine runs runbooks against an Invoker.
type Engine struct {
	registry *Registry
	invoker  Invoker
	state    func() map[string]any
}

// NewEngine wires the engine. stateSnapshot may be nil when no state store
// is available.
func NewEngine(registry *Registry, invoker Invoker, stateSnapshot func() map[string]any) *Engine {
	return &Engine{registry: registry, invoker: invoker, state: stateSnapshot}
}

// RunRequest selects and parameterizes a runbook execution.
type RunRequest struct {
	Name            string
	Input           map[string]any
	TraceID         string
	ParentSpanID    string
	TemplateMissing template.MissingMode
	StopOnError     *bool // nil means true
}

// StepResult records one step's outcome.
type StepResult struct {
	ID      string `json:"id"`
	Tool    string `json:"tool,omitempty"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Result  any    `json:"result,omitempty"`
	Meta    any    `json:"meta,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RunResult is the engine's summary of a full run.
type RunResult struct {
	Runbook    string       `json:"runbook"`
	Success    bool         `json:"success"`
	Steps      []StepResult `json:"steps"`
	TraceID    string       `json:"trace_id"`
	SpanID     string       `json:"span_id"`
	DurationMS int64        `json:"duration_ms"`
}

// Run executes a registered runbook by name.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	rb, err := e.registry.Get(req.Name)
	if err != nil {
		return nil, err
	}
	return e.RunInline(ctx, rb, req)
}

// RunInline executes an ad-hoc runbook without registering it.
func (e *Engine) RunInline(ctx context.Context, rb *Runbook, req RunRequest) (*RunResult, error) {
	if err := rb.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	spanID := uuid.NewString()

	scope := map[string]any{
		"input":          req.Input,
		"state":          e.stateSnapshot(),
		"steps":          map[string]any{},
		"trace_id":       traceID,
		"span_id":        spanID,
		"parent_span_id": req.ParentSpanID,
	}
	if scope["input"] == nil {
		scope["input"] = map[string]any{}
	}

	mode := req.TemplateMissing
	if mode == "" {
		mode = template.MissingError
	}
	stopOnError := req.StopOnError == nil || *req.StopOnError

	res := &RunResult{Runbook: rb.Name, Success: true, TraceID: traceID, SpanID: spanID}
	for _, step := range rb.Steps {
		if step.Tool == "mcp_runbook" || step.Tool == "rb" {
			return nil, toolerr.InvalidParams("RUNBOOK_NESTED",
				"step %q: runbooks may not invoke mcp_runbook", step.ID)
		}

		sr := e.runStep(ctx, step, scope, traceID, spanID, mode)
		res.Steps = append(res.Steps, sr)
		scope["steps"].(map[string]any)[step.ID] = stepScope(sr)
		scope["state"] = e.stateSnapshot()

		if !sr.Success && !step.ContinueOnError {
			res.Success = false
			if stopOnError {
				break
			}
		}
	}
	res.DurationMS = time.Since(start).Milliseconds()

	log.Debug().
		Str("runbook", rb.Name).
		Str("traceId", traceID).
		Bool("success", res.Success).
		Int("steps", len(res.Steps)).
		Msg("Runbook run finished")
	return res, nil
}

func (e *Engine) stateSnapshot() map[string]any {
	if e.state == nil {
		return map[string]any{}
	}
	return e.state()
}

func stepScope(sr StepResult) map[string]any {
	return map[string]any{
		"success": sr.Success,
		"skipped": sr.Skipped,
		"result":  sr.Result,
		"meta":    sr.Meta,
		"error":   sr.Error,
	}
}

func (e *Engine) runStep(ctx context.Context, step Step, scope map[string]any, traceID, parentSpanID string, mode template.MissingMode) StepResult {
	sr := StepResult{ID: step.ID, Tool: step.Tool}

	ok, err := step.When.Eval(scope)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	if !ok {
		sr.Skipped = true
		sr.Success = true
		return sr
	}

	switch {
	case step.Foreach != nil:
		return e.runForeach(ctx, step, scope, traceID, parentSpanID, mode)
	case step.Retry != nil:
		return e.runRetry(ctx, step, scope, traceID, parentSpanID, mode)
	}

	out, err := e.invokeOnce(ctx, step, scope, traceID, parentSpanID, mode)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	sr.Success = true
	sr.Result = out.Result
	sr.Meta = out.Meta
	return sr
}

func (e *Engine) invokeOnce(ctx context.Context, step Step, scope map[string]any, traceID, parentSpanID string, mode template.MissingMode) (*Outcome, error) {
	expanded, err := template.Expand(step.Args, scope, mode)
	if err != nil {
		return nil, fmt.Errorf("step %q args: %w", step.ID, err)
	}
	args, _ := expanded.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return e.invoker.Invoke(ctx, Invocation{
		Tool:         step.Tool,
		Args:         args,
		TraceID:      traceID,
		ParentSpanID: parentSpanID,
	})
}

func (e *Engine) runForeach(ctx context.Context, step Step, scope map[string]any, traceID, parentSpanID string, mode template.MissingMode) StepResult {
	sr := StepResult{ID: step.ID, Tool: step.Tool}

	resolved, err := template.Expand(step.Foreach.Items, scope, mode)
	if err != nil {
		sr.Error = fmt.Sprintf("step %q foreach.items: %v", step.ID, err)
		return sr
	}
	items, ok := resolved.([]any)
	if !ok {
		sr.Error = fmt.Sprintf("step %q foreach.items must resolve to an array", step.ID)
		return sr
	}

	results := make([]any, len(items))
	errs := make([]error, len(items))

	runItem := func(i int, item any) {
		itemScope := make(map[string]any, len(scope)+2)
		for k, v := range scope {
			itemScope[k] = v
		}
		itemScope["item"] = item
		itemScope["index"] = i
		out, err := e.invokeOnce(ctx, step, itemScope, traceID, parentSpanID, mode)
		if err != nil {
			errs[i] = err
			return
		}
		results[i] = map[string]any{"success": true, "result": out.Result, "meta": out.Meta}
	}

	if step.Foreach.Parallel && len(items) > 1 {
		sem := semaphore.NewWeighted(defaultForeachWorkers)
		done := make(chan struct{})
		for i, item := range items {
			i, item := i, item
			if err := sem.Acquire(ctx, 1); err != nil {
				errs[i] = err
				continue
			}
			go func() {
				defer sem.Release(1)
				runItem(i, item)
			}()
		}
		go func() {
			// Wait for all workers by draining the full weight.
			_ = sem.Acquire(context.Background(), defaultForeachWorkers)
			close(done)
		}()
		<-done
	} else {
		for i, item := range items {
			runItem(i, item)
		}
	}

	var failures []string
	for i, err := range errs {
		if err != nil {
			failures = append(failures, fmt.Sprintf("[%d] %v", i, err))
			results[i] = map[string]any{"success": false, "error": err.Error()}
		}
	}
	sr.Result = map[string]any{"items": results, "count": len(items)}
	if len(failures) > 0 {
		sr.Error = fmt.Sprintf("foreach failed for %d of %d items: %s", len(failures), len(items), failures[0])
		return sr
	}
	sr.Success = true
	return sr
}

func (e *Engine) runRetry(ctx context.Context, step Step, scope map[string]any, traceID, parentSpanID string, mode template.MissingMode) StepResult {
	sr := StepResult{ID: step.ID, Tool: step.Tool}
	r := step.Retry

	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := time.Duration(r.DelayMS) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}
	backoff := r.BackoffFactor
	if backoff < 1 {
		backoff = 1
	}
	maxDelay := time.Duration(r.MaxDelayMS) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = time.Duration(maxRetryDelayMS) * time.Millisecond
	}
	retryOnError := r.RetryOnError == nil || *r.RetryOnError

	var slept time.Duration
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptScope := make(map[string]any, len(scope)+1)
		for k, v := range scope {
			attemptScope[k] = v
		}
		attemptScope["attempt"] = attempt

		out, err := e.invokeOnce(ctx, step, attemptScope, traceID, parentSpanID, mode)
		if err != nil {
			lastErr = err
			if !retryOnError {
				sr.Error = err.Error()
				return sr
			}
		} else {
			lastErr = nil
			check := map[string]any{"result": out.Result, "meta": out.Meta}
			if r.Until == nil {
				sr.Success = true
				sr.Result = out.Result
				sr.Meta = out.Meta
				return sr
			}
			satisfied, perr := r.Until.Eval(check)
			if perr != nil {
				sr.Error = perr.Error()
				return sr
			}
			if satisfied {
				sr.Success = true
				sr.Result = out.Result
				sr.Meta = out.Meta
				return sr
			}
			lastErr = fmt.Errorf("until condition not satisfied")
		}

		if attempt == attempts {
			break
		}
		if slept+delay > time.Duration(maxCumulativeDelayMS)*time.Millisecond {
			sr.Error = fmt.Sprintf("retry delay budget exhausted after %d attempts", attempt)
			return sr
		}
		select {
		case <-ctx.Done():
			sr.Error = ctx.Err().Error()
			return sr
		case <-time.After(delay):
		}
		slept += delay
		delay = time.Duration(float64(delay) * backoff)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	sr.Error = fmt.Sprintf("Retry failed after %d attempts: %v", attempts, lastErr)
	return sr
}
