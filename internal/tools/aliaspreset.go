package tools

import (
	"context"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

func registerAliasPreset(e *executor.Executor) {
	e.Register(&executor.ToolDef{
		Name:        "mcp_alias",
		Description: "Create custom short names for tools, optionally pinning arguments or a preset",
		InputSchema: schema(map[string]any{
			"action": prop("string", "set, delete, or list"),
			"name":   prop("string", "alias name"),
			"target": prop("string", "canonical tool the alias resolves to"),
			"args":   map[string]any{"type": "object", "description": "arguments pinned by the alias"},
			"preset": prop("string", "preset merged under the alias"),
		}, "action"),
		Handler: func(_ context.Context, call *executor.Call) (any, error) {
			switch call.Action {
			case "set":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				target, err := reqString(call.Args, "target")
				if err != nil {
					return nil, err
				}
				if !e.HasTool(target) {
					if _, ok := executor.StaticAliases()[target]; !ok {
						return nil, toolerr.NotFound("UNKNOWN_TOOL", "Unknown tool: %s", target)
					}
				}
				a := executor.Alias{
					Target: target,
					Args:   optMap(call.Args, "args"),
					Preset: optString(call.Args, "preset"),
				}
				if err := e.Aliases().Set(name, a, e.HasTool); err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "target": target, "stored": true}, nil
			case "delete":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				if err := e.Aliases().Delete(name); err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "deleted": true}, nil
			case "list":
				return map[string]any{"aliases": e.Aliases().List()}, nil
			default:
				return nil, unknownAction("mcp_alias", call.Action, "set", "delete", "list")
			}
		},
	})

	e.Register(&executor.ToolDef{
		Name:        "mcp_preset",
		Description: "Store named argument bundles merged into calls via preset:<name>",
		InputSchema: schema(map[string]any{
			"action": prop("string", "set, get, delete, or list"),
			"name":   prop("string", "preset name"),
			"args":   map[string]any{"type": "object", "description": "argument bundle"},
		}, "action"),
		Handler: func(_ context.Context, call *executor.Call) (any, error) {
			switch call.Action {
			case "set":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				args := optMap(call.Args, "args")
				if len(args) == 0 {
					return nil, toolerr.InvalidParams("MISSING_INPUTS", "args is required")
				}
				if err := e.Presets().Set(name, args); err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "stored": true}, nil
			case "get":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				args, err := e.Presets().Get(name)
				if err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "args": args}, nil
			case "delete":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				if err := e.Presets().Delete(name); err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "deleted": true}, nil
			case "list":
				names := e.Presets().Names()
				return map[string]any{"presets": names, "count": len(names)}, nil
			default:
				return nil, unknownAction("mcp_preset", call.Action, "set", "get", "delete", "list")
			}
		},
	})
}
