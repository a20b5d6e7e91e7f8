package tools

import (
	"context"
	"strings"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/profiles"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// Provider is an injectable backend for a remote-facing tool. The server
// ships without concrete providers; operators wire their own at startup.
type Provider interface {
	Do(ctx context.Context, action string, prof *profiles.Resolved, args map[string]any) (any, error)
}

// SSHProvider executes commands over SSH.
type SSHProvider = Provider

// SQLProvider runs queries against PostgreSQL.
type SQLProvider = Provider

// PipelineProvider triggers and inspects CI pipelines.
type PipelineProvider = Provider

// VaultProvider reads external secret stores and backs ref:vault:...
// resolution in profiles.
type VaultProvider interface {
	Provider
	profiles.VaultResolver
}

func registerProviders(e *executor.Executor, d Deps) {
	registerProviderTool(e, d, "mcp_ssh_manager", "ssh",
		"Run commands on remote hosts over SSH using named connection profiles", d.SSH)
	registerProviderTool(e, d, "mcp_psql_manager", "postgres",
		"Run queries against PostgreSQL using named connection profiles", d.SQL)
	registerProviderTool(e, d, "mcp_pipeline", "pipeline",
		"Trigger and inspect CI pipelines using named provider profiles", d.Pipeline)

	var vault Provider
	if d.Vault != nil {
		vault = d.Vault
	}
	registerProviderTool(e, d, "mcp_vault", "vault",
		"Read external secret stores using named vault profiles", vault)
}

func registerProviderTool(e *executor.Executor, d Deps, name, profileType, desc string, provider Provider) {
	e.Register(&executor.ToolDef{
		Name:        name,
		Description: desc,
		InputSchema: schema(map[string]any{
			"action":  prop("string", "provider action, or profile_set/profile_get/profile_list/profile_delete"),
			"profile": prop("string", "connection profile name"),
			"name":    prop("string", "profile name for profile_* actions"),
			"data":    map[string]any{"type": "object", "description": "non-secret profile data"},
			"secrets": map[string]any{"type": "object", "description": "secret profile fields, sealed at rest"},
		}, "action"),
		Handler: func(ctx context.Context, call *executor.Call) (any, error) {
			if handled, res, err := profileActions(ctx, d, call, name, profileType); handled {
				return res, err
			}
			if provider == nil {
				return nil, toolerr.NotFound("PROVIDER_NOT_CONFIGURED",
					"%s has no backend provider configured", name).
					WithHint("profile_* actions still work; wire a provider at server startup for remote actions")
			}
			var prof *profiles.Resolved
			if pname := optString(call.Args, "profile"); pname != "" {
				var err error
				if prof, err = d.Profiles.Get(ctx, pname, profileType); err != nil {
					return nil, err
				}
			}
			return provider.Do(ctx, call.Action, prof, call.Args)
		},
	})
}

// profileActions serves the profile_* action family shared by every
// profile-backed tool. Secret values are sealed on write and never listed.
func profileActions(_ context.Context, d Deps, call *executor.Call, tool, profileType string) (bool, any, error) {
	if !strings.HasPrefix(call.Action, "profile_") {
		return false, nil, nil
	}
	switch call.Action {
	case "profile_set":
		name, err := reqString(call.Args, "name")
		if err != nil {
			return true, nil, err
		}
		req := profiles.SetRequest{
			Name: name,
			Type: profileType,
			Data: optMap(call.Args, "data"),
		}
		if raw, present := call.Args["secrets"]; present {
			if m, ok := raw.(map[string]any); ok {
				req.Secrets = m
			} else if raw == nil {
				req.ClearSecrets = true
			}
		}
		summary, err := d.Profiles.Set(req)
		if err != nil {
			return true, nil, err
		}
		return true, summary, nil
	case "profile_get":
		name, err := reqString(call.Args, "name")
		if err != nil {
			return true, nil, err
		}
		for _, s := range d.Profiles.List(profileType) {
			if s.Name == name {
				return true, s, nil
			}
		}
		return true, nil, toolerr.NotFound("PROFILE_NOT_FOUND", "profile not found: %s", name)
	case "profile_list":
		list := d.Profiles.List(profileType)
		return true, map[string]any{"profiles": list, "count": len(list)}, nil
	case "profile_delete":
		name, err := reqString(call.Args, "name")
		if err != nil {
			return true, nil, err
		}
		if err := d.Profiles.Delete(name); err != nil {
			return true, nil, err
		}
		return true, map[string]any{"name": name, "deleted": true}, nil
	default:
		return true, nil, unknownAction(tool, call.Action,
			"profile_set", "profile_get", "profile_list", "profile_delete")
	}
}
