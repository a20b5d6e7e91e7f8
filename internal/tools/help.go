package tools

import (
	"context"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
)

func registerHelp(e *executor.Executor) {
	e.Register(&executor.ToolDef{
		Name:        "help",
		Description: "List every tool with its description; pass tool to narrow to one entry",
		InputSchema: schema(map[string]any{
			"tool": prop("string", "limit output to one tool"),
		}),
		Handler: func(_ context.Context, call *executor.Call) (any, error) {
			only := optString(call.Args, "tool")
			var entries []map[string]any
			for _, def := range e.Tools() {
				if only != "" && def.Name != only {
					continue
				}
				entries = append(entries, map[string]any{
					"name":        def.Name,
					"description": def.Description,
				})
			}
			return map[string]any{"tools": entries, "count": len(entries)}, nil
		},
	})

	e.Register(&executor.ToolDef{
		Name:        "legend",
		Description: "Show the short-name legend: built-in aliases, user aliases, and presets",
		InputSchema: schema(nil),
		Handler: func(_ context.Context, _ *executor.Call) (any, error) {
			user := map[string]any{}
			for name, a := range e.Aliases().List() {
				entry := map[string]any{"target": a.Target}
				if len(a.Args) > 0 {
					entry["args"] = a.Args
				}
				if a.Preset != "" {
					entry["preset"] = a.Preset
				}
				user[name] = entry
			}
			return map[string]any{
				"builtin": executor.StaticAliases(),
				"aliases": user,
				"presets": e.Presets().Names(),
			}, nil
		},
	})
}
