package tools

import (
	"context"
	"os"
	"sort"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/redact"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// defaultEnvPatterns are the variables the read-only probe may reveal.
// SF_ENV_ALLOWLIST extends them with comma-separated wildcard patterns.
var defaultEnvPatterns = []string{"SF_*", "MCP_*", "KUBECONFIG", "GIT_*", "ARGOCD_SERVER", "FLUX_*"}

func registerEnv(e *executor.Executor) {
	e.Register(&executor.ToolDef{
		Name:        "mcp_env",
		Description: "Read-only probe of allowlisted environment variables; secret-looking values come back masked",
		InputSchema: schema(map[string]any{
			"action": prop("string", "get or list"),
			"name":   prop("string", "variable name for get"),
		}),
		Handler: func(_ context.Context, call *executor.Call) (any, error) {
			switch call.Action {
			case "get":
				name, err := reqString(call.Args, "name")
				if err != nil {
					return nil, err
				}
				if !envAllowed(name) {
					return nil, toolerr.Denied("ENV_DENIED", "variable %q is not on the allowlist", name).
						WithHint("extend SF_ENV_ALLOWLIST with wildcard patterns")
				}
				value, ok := os.LookupEnv(name)
				if !ok {
					return nil, toolerr.NotFound("ENV_NOT_SET", "variable %q is not set", name)
				}
				return map[string]any{"name": name, "value": maskEnv(name, value)}, nil
			case "", "list":
				out := map[string]any{}
				for _, kv := range os.Environ() {
					name, value, _ := strings.Cut(kv, "=")
					if envAllowed(name) {
						out[name] = maskEnv(name, value)
					}
				}
				names := make([]string, 0, len(out))
				for n := range out {
					names = append(names, n)
				}
				sort.Strings(names)
				return map[string]any{"variables": out, "names": names}, nil
			default:
				return nil, unknownAction("mcp_env", call.Action, "get", "list")
			}
		},
	})
}

func envAllowed(name string) bool {
	patterns := defaultEnvPatterns
	if extra := os.Getenv("SF_ENV_ALLOWLIST"); extra != "" {
		for _, p := range strings.Split(extra, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
	}
	for _, p := range patterns {
		if wildcard.Match(p, name) {
			return true
		}
	}
	return false
}

func maskEnv(name, value string) string {
	if redact.SensitiveKey(name) {
		return redact.Mask
	}
	return value
}
