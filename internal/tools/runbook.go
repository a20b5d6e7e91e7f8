package tools

import (
	"context"
	"encoding/json"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/runbook"
	"github.com/sentryfrogg/sentryfrogg/internal/template"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

func registerRunbook(e *executor.Executor, d Deps) {
	e.Register(&executor.ToolDef{
		Name:        "mcp_runbook",
		Description: "Define and run multi-step runbooks with templating, conditionals, foreach, and retry",
		InputSchema: schema(map[string]any{
			"action":           prop("string", "run, run_inline, set, get, delete, or list"),
			"name":             prop("string", "runbook name"),
			"runbook":          map[string]any{"type": "object", "description": "runbook document for set/run_inline"},
			"input":            map[string]any{"type": "object", "description": "input bound to {{input.*}}"},
			"stop_on_error":    prop("boolean", "stop at the first failed step (default true)"),
			"template_missing": prop("string", "error, empty, null, or undefined"),
		}, "action"),
		Handler: func(ctx context.Context, call *executor.Call) (any, error) {
			switch call.Action {
			case "run":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				req, err := buildRunRequest(call, name)
				if err != nil {
					return nil, err
				}
				return d.Engine.Run(ctx, *req)
			case "run_inline":
				rb, err := decodeRunbook(call.Args["runbook"])
				if err != nil {
					return nil, err
				}
				req, err := buildRunRequest(call, rb.Name)
				if err != nil {
					return nil, err
				}
				return d.Engine.RunInline(ctx, rb, *req)
			case "set":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				rb, err := decodeRunbook(call.Args["runbook"])
				if err != nil {
					return nil, err
				}
				if err := d.Runbooks.Set(name, rb); err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "steps": len(rb.Steps), "stored": true}, nil
			case "get":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				return d.Runbooks.Get(name)
			case "delete":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				if err := d.Runbooks.Delete(name); err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "deleted": true}, nil
			case "list":
				names := d.Runbooks.List()
				return map[string]any{"runbooks": names, "count": len(names)}, nil
			default:
				return nil, unknownAction("mcp_runbook", call.Action,
					"run", "run_inline", "set", "get", "delete", "list")
			}
		},
	})
}

func buildRunRequest(call *executor.Call, name string) (*runbook.RunRequest, error) {
	mode, err := template.ParseMissingMode(optString(call.Args, "template_missing"))
	if err != nil {
		return nil, err
	}
	req := &runbook.RunRequest{
		Name:            name,
		Input:           optMap(call.Args, "input"),
		TraceID:         call.TraceID,
		ParentSpanID:    call.SpanID,
		TemplateMissing: mode,
	}
	if v, ok := call.Args["stop_on_error"].(bool); ok {
		req.StopOnError = &v
	}
	return req, nil
}

func decodeRunbook(raw any) (*runbook.Runbook, error) {
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, toolerr.InvalidParams("MISSING_INPUTS", "runbook document is required")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, toolerr.InvalidParams("RUNBOOK_INVALID", "runbook does not serialize: %v", err)
	}
	var rb runbook.Runbook
	if err := json.Unmarshal(data, &rb); err != nil {
		return nil, toolerr.InvalidParams("RUNBOOK_INVALID", "runbook does not decode: %v", err)
	}
	return &rb, nil
}
