package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	maxHTTPResponseSize = 256 * 1024
)

func registerAPIClient(e *executor.Executor, d Deps) {
	client := &http.Client{}

	e.Register(&executor.ToolDef{
		Name:        "mcp_api_client",
		Description: "HTTP client with profile-backed base URLs and bearer auth",
		InputSchema: schema(map[string]any{
			"action":      prop("string", "request, or profile_set/profile_get/profile_list/profile_delete"),
			"method":      prop("string", "HTTP method (default GET)"),
			"url":         prop("string", "absolute URL, or a path joined onto the profile base_url"),
			"headers":     map[string]any{"type": "object", "description": "extra request headers"},
			"body":        prop("string", "request body"),
			"body_base64": prop("string", "base64-encoded request body, for binary payloads"),
			"auth_token":  prop("string", "bearer token; overrides the profile's auth_token secret"),
			"timeout_ms":  prop("integer", "request budget"),
			"profile":     prop("string", "http profile supplying base_url and auth_token"),
			"name":        prop("string", "profile name for profile_* actions"),
			"data":        map[string]any{"type": "object", "description": "non-secret profile data"},
			"secrets":     map[string]any{"type": "object", "description": "secret profile fields, sealed at rest"},
		}, "action"),
		Handler: func(ctx context.Context, call *executor.Call) (any, error) {
			if handled, res, err := profileActions(ctx, d, call, "mcp_api_client", "http"); handled {
				return res, err
			}
			if call.Action != "request" {
				return nil, unknownAction("mcp_api_client", call.Action,
					"request", "profile_set", "profile_get", "profile_list", "profile_delete")
			}
			return doRequest(ctx, client, d, call)
		},
	})
}

func doRequest(ctx context.Context, client *http.Client, d Deps, call *executor.Call) (any, error) {
	rawURL, err := reqString(call.Args, "url")
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(optString(call.Args, "method"))
	if method == "" {
		method = http.MethodGet
	}

	headers := map[string]string{}
	for k, v := range optMap(call.Args, "headers") {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}

	if name := optString(call.Args, "profile"); name != "" {
		prof, err := d.Profiles.Get(ctx, name, "http")
		if err != nil {
			return nil, err
		}
		if base, ok := prof.Data["base_url"].(string); ok && !strings.Contains(rawURL, "://") {
			rawURL = strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(rawURL, "/")
		}
		if token := prof.Secrets["auth_token"]; token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	}
	// A call-level token wins over the profile secret.
	if token := optString(call.Args, "auth_token"); token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	timeout := defaultHTTPTimeout
	if ms := optInt64(call.Args, "timeout_ms", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if raw := optString(call.Args, "body"); raw != "" {
		body = strings.NewReader(raw)
	}
	if enc := optString(call.Args, "body_base64"); enc != "" {
		decoded, derr := base64.StdEncoding.DecodeString(enc)
		if derr != nil {
			return nil, toolerr.InvalidParams("MISSING_INPUTS", "body_base64 is not valid base64: %v", derr)
		}
		body = bytes.NewReader(decoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, toolerr.InvalidParams("MISSING_INPUTS", "bad request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, toolerr.Internal("HTTP_REQUEST_FAILED", "request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseSize+1))
	if err != nil {
		return nil, toolerr.Internal("HTTP_REQUEST_FAILED", "reading response failed: %v", err)
	}
	truncated := false
	if len(data) > maxHTTPResponseSize {
		data = data[:maxHTTPResponseSize]
		truncated = true
	}

	respHeaders := map[string]string{}
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":         resp.StatusCode,
		"headers":        respHeaders,
		"body":           string(data),
		"body_truncated": truncated,
	}, nil
}
