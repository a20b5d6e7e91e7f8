package tools

import (
	"context"
	"encoding/json"

	"github.com/sentryfrogg/sentryfrogg/internal/capability"
	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

func registerCapability(e *executor.Executor, d Deps) {
	e.Register(&executor.ToolDef{
		Name:        "mcp_capability",
		Description: "Manage the intent-to-runbook capability registry",
		InputSchema: schema(map[string]any{
			"action":     prop("string", "get, set, delete, list, or by_intent"),
			"name":       prop("string", "capability name"),
			"intent":     prop("string", "intent type for by_intent"),
			"capability": map[string]any{"type": "object", "description": "capability document for set"},
		}, "action"),
		Handler: func(_ context.Context, call *executor.Call) (any, error) {
			switch call.Action {
			case "get":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				return d.Capabilities.Get(name)
			case "set":
				doc, ok := call.Args["capability"].(map[string]any)
				if !ok {
					return nil, toolerr.InvalidParams("MISSING_INPUTS", "capability document is required")
				}
				data, err := json.Marshal(doc)
				if err != nil {
					return nil, toolerr.InvalidParams("CAPABILITY_INVALID", "capability does not serialize: %v", err)
				}
				var rec capability.Capability
				if err := json.Unmarshal(data, &rec); err != nil {
					return nil, toolerr.InvalidParams("CAPABILITY_INVALID", "capability does not decode: %v", err)
				}
				if err := d.Capabilities.Set(&rec); err != nil {
					return nil, err
				}
				return map[string]any{"name": rec.Name, "stored": true}, nil
			case "delete":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				if err := d.Capabilities.Delete(name); err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "deleted": true}, nil
			case "list":
				names := d.Capabilities.List()
				return map[string]any{"capabilities": names, "count": len(names)}, nil
			case "by_intent":
				intentType, err := reqString(call.Args, "intent")
				if err != nil {
					return nil, err
				}
				matches := d.Capabilities.ByIntent(intentType)
				return map[string]any{"capabilities": matches, "count": len(matches)}, nil
			default:
				return nil, unknownAction("mcp_capability", call.Action,
					"get", "set", "delete", "list", "by_intent")
			}
		},
	})
}
