package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/redact"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// One frame per line; oversized tool inputs (patches, manifests) need room.
const maxFrameBytes = 10 * 1024 * 1024

// Server dispatches JSON-RPC frames to the tool executor.
type Server struct {
	exec    *executor.Executor
	name    string
	version string

	out     io.Writer
	writeMu sync.Mutex
}

// NewServer builds a stdio dispatcher for the given catalog.
func NewServer(exec *executor.Executor, name, version string) *Server {
	return &Server{exec: exec, name: name, version: version}
}

// Serve reads frames from in until EOF or ctx cancellation. Each request is
// handled on its own goroutine; writes are serialized.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	var wg sync.WaitGroup
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleFrame(ctx, line)
		}()
	}
	wg.Wait()
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (s *Server) handleFrame(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeError(nil, codeParseError, "parse error: invalid JSON frame")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !req.notification() {
			s.writeError(req.ID, codeInvalidRequest, "invalid request")
		}
		return
	}

	switch req.Method {
	case "initialize":
		s.writeResult(req.ID, initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		})
	case "notifications/initialized", "initialized":
		// Notification; nothing to send.
	case "ping":
		s.writeResult(req.ID, map[string]any{})
	case "tools/list":
		s.writeResult(req.ID, s.catalog())
	case "tools/call":
		s.handleToolsCall(ctx, req)
	default:
		if !req.notification() {
			s.writeError(req.ID, codeMethodNotFound, "method not found: "+req.Method)
		}
	}
}

func (s *Server) catalog() toolsListResult {
	defs := s.exec.Tools()
	out := toolsListResult{Tools: make([]toolDescriptor, 0, len(defs))}
	for _, def := range defs {
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, toolDescriptor{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return out
}

func (s *Server) handleToolsCall(ctx context.Context, req request) {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.writeError(req.ID, toolerr.InvalidParams("MISSING_INPUTS", "tools/call requires a tool name").RPCCode(),
			"tools/call requires a tool name")
		return
	}

	execReq := executor.Request{Tool: params.Name, Args: params.Arguments}
	if params.Meta != nil {
		execReq.TraceID = params.Meta.TraceID
		execReq.ParentSpanID = params.Meta.ParentSpanID
	}

	env, err := s.exec.Execute(ctx, execReq)
	if err != nil {
		te := toolerr.From(err)
		data := map[string]any{"kind": string(te.Kind), "code": te.Code}
		if te.Hint != "" {
			hint, _ := redact.Text(te.Hint)
			data["hint"] = hint
		}
		if te.Details != nil {
			data["details"] = redact.Value(te.Details)
		}
		msg, _ := redact.Text(te.Message)
		s.writeErrorData(req.ID, te.RPCCode(), te.Code+": "+msg, data)
		return
	}

	payload := map[string]any{
		"tool": env.Meta.Tool,
		"trace": traceBlock(env),
		"result": env.Result,
	}
	if env.Meta.Action != "" {
		payload["action"] = env.Meta.Action
	}
	// Handlers may surface artifact pointers and input normalization notes;
	// hoist them beside the result.
	if m, ok := env.Result.(map[string]any); ok {
		for _, k := range []string{"artifact_uri_context", "artifact_uri_json", "normalization"} {
			if v, present := m[k]; present {
				payload[k] = v
				delete(m, k)
			}
		}
	}

	text, merr := json.Marshal(payload)
	if merr != nil {
		s.writeError(req.ID, toolerr.Internal("INTERNAL", "").RPCCode(), "failed to encode result")
		return
	}
	s.writeResult(req.ID, toolsCallResult{Content: []contentBlock{{Type: "text", Text: string(text)}}})
}

func traceBlock(env *executor.Envelope) map[string]any {
	trace := map[string]any{
		"trace_id": env.Meta.TraceID,
		"span_id":  env.Meta.SpanID,
	}
	if env.Meta.ParentSpanID != "" {
		trace["parent_span_id"] = env.Meta.ParentSpanID
	}
	return trace
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	s.write(response{JSONRPC: "2.0", ID: normalizeID(id), Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, message string) {
	s.writeErrorData(id, code, message, nil)
}

func (s *Server) writeErrorData(id json.RawMessage, code int, message string, data any) {
	s.write(response{JSONRPC: "2.0", ID: normalizeID(id), Error: &rpcError{Code: code, Message: message, Data: data}})
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func (s *Server) write(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Response encode failed")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Msg("Response write failed")
	}
}
