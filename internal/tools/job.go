package tools

import (
	"context"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/jobs"
)

func registerJobs(e *executor.Executor, d Deps) {
	e.Register(&executor.ToolDef{
		Name:        "mcp_job",
		Description: "Inspect detached background jobs",
		InputSchema: schema(map[string]any{
			"action": prop("string", "get, list, or forget"),
			"job_id": prop("string", "job identifier"),
			"status": prop("string", "filter list by status"),
			"limit":  prop("integer", "list cap"),
		}, "action"),
		Handler: func(_ context.Context, call *executor.Call) (any, error) {
			switch call.Action {
			case "get":
				id, err := reqString(call.Args, "job_id")
				if err != nil {
					return nil, err
				}
				return d.Jobs.Get(id)
			case "list":
				records := d.Jobs.List(
					optInt(call.Args, "limit", 0),
					jobs.Status(optString(call.Args, "status")))
				return map[string]any{"jobs": records, "count": len(records)}, nil
			case "forget":
				id, err := reqString(call.Args, "job_id")
				if err != nil {
					return nil, err
				}
				if err := d.Jobs.Forget(id); err != nil {
					return nil, err
				}
				return map[string]any{"job_id": id, "forgotten": true}, nil
			default:
				return nil, unknownAction("mcp_job", call.Action, "get", "list", "forget")
			}
		},
	})
}
