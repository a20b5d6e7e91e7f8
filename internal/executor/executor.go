// Package executor is the uniform façade in front of every tool handler:
// alias resolution, trace assignment, preset merging, output shaping,
// oversize spill, state capture, and audit logging happen here so handlers
// stay plain functions.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sentryfrogg/sentryfrogg/internal/artifacts"
	"github.com/sentryfrogg/sentryfrogg/internal/audit"
	"github.com/sentryfrogg/sentryfrogg/internal/redact"
	"github.com/sentryfrogg/sentryfrogg/internal/state"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// Call is the resolved context a handler receives.
type Call struct {
	Tool         string
	Action       string
	Args         map[string]any
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// HandlerFunc executes one tool call.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// ToolDef is one catalog entry.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     HandlerFunc
}

// Meta is the envelope's call metadata.
type Meta struct {
	Tool         string `json:"tool"`
	Action       string `json:"action,omitempty"`
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	StoredAs     string `json:"stored_as,omitempty"`
	InvokedAs    string `json:"invoked_as,omitempty"`
	Preset       string `json:"preset,omitempty"`
}

// Envelope is the uniform tool-call result.
type Envelope struct {
	OK     bool `json:"ok"`
	Result any  `json:"result"`
	Meta   Meta `json:"meta"`
}

// Executor dispatches tool calls through the envelope pipeline.
type Executor struct {
	tools     map[string]*ToolDef
	aliases   *AliasStore
	presets   *PresetStore
	state     *state.Store
	audit     *audit.Log
	artifacts *artifacts.Store
}

// New builds an executor; register tools before serving.
func New(aliases *AliasStore, presets *PresetStore, st *state.Store, al *audit.Log, art *artifacts.Store) *Executor {
	return &Executor{
		tools:     map[string]*ToolDef{},
		aliases:   aliases,
		presets:   presets,
		state:     st,
		audit:     al,
		artifacts: art,
	}
}

// Register adds a tool to the catalog.
func (e *Executor) Register(def *ToolDef) {
	if def == nil || def.Name == "" || def.Handler == nil {
		panic("executor: tool registration requires a name and handler")
	}
	if _, dup := e.tools[def.Name]; dup {
		panic("executor: duplicate tool " + def.Name)
	}
	e.tools[def.Name] = def
}

// HasTool reports whether name is a canonical tool.
func (e *Executor) HasTool(name string) bool {
	_, ok := e.tools[name]
	return ok
}

// Tools returns the catalog sorted by name.
func (e *Executor) Tools() []*ToolDef {
	out := make([]*ToolDef, 0, len(e.tools))
	for _, def := range e.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Aliases exposes the dynamic alias store (for the mcp_alias tool).
func (e *Executor) Aliases() *AliasStore { return e.aliases }

// Presets exposes the preset store (for the mcp_preset tool).
func (e *Executor) Presets() *PresetStore { return e.presets }

// Request is one incoming tool call before resolution.
type Request struct {
	Tool         string
	Args         map[string]any
	TraceID      string
	ParentSpanID string
}

// envelope-only keys stripped before the handler sees the args.
var envelopeKeys = []string{"output", "store_as", "store_scope", "preset", "preset_name"}

// Execute runs the full pipeline for one call. Errors are structured
// toolerr values; the audit entry fires on both paths.
func (e *Executor) Execute(ctx context.Context, req Request) (*Envelope, error) {
	start := time.Now()

	canonical, aliasArgs, aliasPreset, invokedAs, err := e.resolveTool(req.Tool)
	if err != nil {
		return nil, err
	}
	def := e.tools[canonical]

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	spanID := uuid.NewString()

	args := map[string]any{}
	for k, v := range req.Args {
		args[k] = v
	}

	presetName, _ := args["preset"].(string)
	if presetName == "" {
		presetName, _ = args["preset_name"].(string)
	}
	if presetName == "" {
		presetName = aliasPreset
	}
	if presetName != "" {
		presetArgs, perr := e.presets.Get(presetName)
		if perr != nil {
			return nil, perr
		}
		// Layering: alias args lowest, preset above them, user args highest.
		merged := deepMerge(aliasArgs, presetArgs)
		args = deepMerge(merged, args)
	} else if len(aliasArgs) > 0 {
		args = deepMerge(aliasArgs, args)
	}

	outputSpec, err := parseOutputSpec(args["output"])
	if err != nil {
		return nil, err
	}
	storeAs, _ := args["store_as"].(string)
	storeScopeRaw, _ := args["store_scope"].(string)
	for _, k := range envelopeKeys {
		delete(args, k)
	}
	action, _ := args["action"].(string)

	call := &Call{
		Tool:         canonical,
		Action:       action,
		Args:         args,
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: req.ParentSpanID,
	}

	result, handlerErr := def.Handler(ctx, call)
	duration := time.Since(start)

	meta := Meta{
		Tool:         canonical,
		Action:       action,
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: req.ParentSpanID,
		DurationMS:   duration.Milliseconds(),
		InvokedAs:    invokedAs,
		Preset:       presetName,
	}

	if handlerErr != nil {
		te := toolerr.From(handlerErr)
		e.auditEntry(call, invokedAs, duration, nil, te)
		return nil, te
	}

	shaped := applyOutput(toPlain(result), outputSpec)
	shaped = newSpiller(e, traceID, spanID).walk(shaped, "", false)

	if storeAs != "" {
		scope, serr := state.ParseScope(storeScopeRaw)
		if serr != nil {
			scope = state.ScopeSession
		}
		if err := e.state.Set(storeAs, shaped, scope); err != nil {
			log.Warn().Err(err).Str("key", storeAs).Msg("store_as persist failed")
		} else {
			meta.StoredAs = storeAs
		}
	}

	e.auditEntry(call, invokedAs, duration, shaped, nil)
	return &Envelope{OK: true, Result: shaped, Meta: meta}, nil
}

// resolveTool maps an invoked name to its canonical tool via the static
// alias table and the dynamic alias store.
func (e *Executor) resolveTool(name string) (canonical string, aliasArgs map[string]any, aliasPreset, invokedAs string, err error) {
	if name == "" {
		return "", nil, "", "", toolerr.InvalidParams("MISSING_INPUTS", "tool name is required")
	}
	if _, ok := e.tools[name]; ok {
		return name, nil, "", "", nil
	}
	if target, ok := staticAliases[name]; ok {
		if _, present := e.tools[target]; present {
			return target, nil, "", name, nil
		}
	}
	if e.aliases != nil {
		if a, ok := e.aliases.Resolve(name); ok {
			target := a.Target
			if t, static := staticAliases[target]; static {
				target = t
			}
			if _, present := e.tools[target]; present {
				return target, a.Args, a.Preset, name, nil
			}
		}
	}
	return "", nil, "", "", toolerr.NotFound("UNKNOWN_TOOL", "Unknown tool: %s", name)
}

func (e *Executor) auditEntry(call *Call, invokedAs string, duration time.Duration, result any, te *toolerr.Error) {
	if e.audit == nil {
		return
	}
	entry := audit.Entry{
		Timestamp:    time.Now().UTC(),
		Status:       "ok",
		Tool:         call.Tool,
		Action:       call.Action,
		TraceID:      call.TraceID,
		SpanID:       call.SpanID,
		ParentSpanID: call.ParentSpanID,
		InvokedAs:    invokedAs,
		Input:        redact.Value(call.Args),
		DurationMS:   duration.Milliseconds(),
	}
	if te != nil {
		entry.Status = "error"
		entry.Error = fmt.Sprintf("%s: %s", te.Code, te.Message)
	} else {
		entry.ResultSummary = summarize(result)
	}
	e.audit.Append(entry)
}

// summarize gives the audit log a type tag plus a short redacted preview.
func summarize(result any) string {
	if result == nil {
		return "null"
	}
	var kind string
	switch result.(type) {
	case map[string]any:
		kind = "object"
	case []any:
		kind = "array"
	case string:
		kind = "string"
	case bool:
		kind = "bool"
	case float64, int, int64:
		kind = "number"
	default:
		kind = fmt.Sprintf("%T", result)
	}
	data, err := json.Marshal(redact.Value(result))
	if err != nil {
		return kind
	}
	return kind + " " + redact.Truncate(string(data), previewLen)
}

// toPlain normalizes typed handler results into JSON-generic values so the
// output transform and spiller can walk them.
func toPlain(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, int, int64, map[string]any, []any:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
