package tools

import (
	"context"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/state"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

func registerState(e *executor.Executor, d Deps) {
	e.Register(&executor.ToolDef{
		Name:        "mcp_state",
		Description: "Session and persistent key/value state shared across tool calls",
		InputSchema: schema(map[string]any{
			"action": prop("string", "get, set, delete, clear, list, or keys"),
			"key":    prop("string", "state key"),
			"value":  map[string]any{"description": "value for set; any JSON type"},
			"scope":  prop("string", "session (default for writes), persistent, or any (default for get)"),
			"prefix": prop("string", "key prefix for list"),
		}, "action"),
		Handler: func(_ context.Context, call *executor.Call) (any, error) {
			scope, err := stateScope(call, call.Action == "get")
			if err != nil {
				return nil, err
			}

			switch call.Action {
			case "get":
				key, err := reqString(call.Args, "key")
				if err != nil {
					return nil, err
				}
				value, ok := d.State.Get(key, scope)
				if !ok {
					return nil, toolerr.NotFound("STATE_KEY_NOT_FOUND", "no state under key %q", key)
				}
				return map[string]any{"key": key, "value": value}, nil
			case "set":
				key, err := reqString(call.Args, "key")
				if err != nil {
					return nil, err
				}
				value, ok := call.Args["value"]
				if !ok {
					return nil, toolerr.InvalidParams("MISSING_INPUTS", "value is required")
				}
				if err := d.State.Set(key, value, scope); err != nil {
					return nil, err
				}
				return map[string]any{"key": key, "scope": string(scope), "stored": true}, nil
			case "delete":
				key, err := reqString(call.Args, "key")
				if err != nil {
					return nil, err
				}
				if err := d.State.Delete(key, scope); err != nil {
					return nil, err
				}
				return map[string]any{"key": key, "deleted": true}, nil
			case "clear":
				if err := d.State.Clear(scope); err != nil {
					return nil, err
				}
				return map[string]any{"scope": string(scope), "cleared": true}, nil
			case "list":
				entries := d.State.List(optString(call.Args, "prefix"), scope)
				return map[string]any{"entries": entries, "count": len(entries)}, nil
			case "keys":
				keys := d.State.Keys(scope)
				return map[string]any{"keys": keys, "count": len(keys)}, nil
			default:
				return nil, unknownAction("mcp_state", call.Action,
					"get", "set", "delete", "clear", "list", "keys")
			}
		},
	})
}

func stateScope(call *executor.Call, anyDefault bool) (state.Scope, error) {
	raw := optString(call.Args, "scope")
	if raw == "" {
		if anyDefault {
			return state.ScopeAny, nil
		}
		return state.ScopeSession, nil
	}
	return state.ParseScope(raw)
}
