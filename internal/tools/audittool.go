package tools

import (
	"context"
	"time"

	"github.com/sentryfrogg/sentryfrogg/internal/audit"
	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

func registerAudit(e *executor.Executor, d Deps) {
	e.Register(&executor.ToolDef{
		Name:        "mcp_audit",
		Description: "Query the append-only audit trail of tool calls",
		InputSchema: schema(map[string]any{
			"action":   prop("string", "query"),
			"tool":     prop("string", "filter by canonical tool name"),
			"status":   prop("string", "ok or error"),
			"trace_id": prop("string", "filter by trace"),
			"since":    prop("string", "RFC 3339 lower bound"),
			"limit":    prop("integer", "keep the last N matches"),
		}),
		Handler: func(_ context.Context, call *executor.Call) (any, error) {
			switch call.Action {
			case "", "query":
			default:
				return nil, unknownAction("mcp_audit", call.Action, "query")
			}
			f := audit.Filter{
				Tool:    optString(call.Args, "tool"),
				Status:  optString(call.Args, "status"),
				TraceID: optString(call.Args, "trace_id"),
				Limit:   optInt(call.Args, "limit", 0),
			}
			if since := optString(call.Args, "since"); since != "" {
				ts, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return nil, toolerr.InvalidParams("MISSING_INPUTS",
						"since must be RFC 3339: %v", err)
				}
				f.Since = ts
			}
			entries, err := d.Audit.Query(f)
			if err != nil {
				return nil, err
			}
			return map[string]any{"entries": entries, "count": len(entries)}, nil
		},
	})
}
