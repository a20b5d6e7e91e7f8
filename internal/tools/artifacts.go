package tools

import (
	"context"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
)

func registerArtifacts(e *executor.Executor, d Deps) {
	e.Register(&executor.ToolDef{
		Name:        "mcp_artifacts",
		Description: "Read and list stored artifacts: bounded windows by offset, head, or tail",
		InputSchema: schema(map[string]any{
			"action":    prop("string", "get, head, tail, or list"),
			"uri":       prop("string", "artifact:// URI or run-relative path"),
			"offset":    prop("integer", "byte offset for get"),
			"max_bytes": prop("integer", "window size; omit for the default"),
			"encoding":  prop("string", "text or base64"),
			"prefix":    prop("string", "list prefix, e.g. runs/<trace_id>/"),
			"limit":     prop("integer", "list cap"),
		}, "action"),
		Handler: func(_ context.Context, call *executor.Call) (any, error) {
			maxBytes := optInt(call.Args, "max_bytes", -1)
			encoding := optString(call.Args, "encoding")

			switch call.Action {
			case "get":
				uri, err := reqString(call.Args, "uri")
				if err != nil {
					return nil, err
				}
				return d.Artifacts.Get(uri, optInt64(call.Args, "offset", 0), maxBytes, encoding)
			case "head":
				uri, err := reqString(call.Args, "uri")
				if err != nil {
					return nil, err
				}
				return d.Artifacts.Head(uri, maxBytes, encoding)
			case "tail":
				uri, err := reqString(call.Args, "uri")
				if err != nil {
					return nil, err
				}
				return d.Artifacts.Tail(uri, maxBytes, encoding)
			case "list":
				entries, err := d.Artifacts.List(optString(call.Args, "prefix"), optInt(call.Args, "limit", 0))
				if err != nil {
					return nil, err
				}
				return map[string]any{"artifacts": entries, "count": len(entries)}, nil
			default:
				return nil, unknownAction("mcp_artifacts", call.Action, "get", "head", "tail", "list")
			}
		},
	})
}
