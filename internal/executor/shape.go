package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/redact"
	"github.com/sentryfrogg/sentryfrogg/internal/template"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

const (
	DefaultMaxInlineBytes  = 16 * 1024
	DefaultMaxCaptureBytes = 256 * 1024
	DefaultMaxSpills       = 20

	previewLen = 200
	tailLen    = 80
)

// OutputSpec shapes a handler result before it returns to the caller.
type OutputSpec struct {
	Path string         `json:"path,omitempty"`
	Pick []string       `json:"pick,omitempty"`
	Omit []string       `json:"omit,omitempty"`
	Each map[string]any `json:"each,omitempty"`
}

func parseOutputSpec(v any) (*OutputSpec, error) {
	if v == nil {
		return nil, nil
	}
	switch spec := v.(type) {
	case string:
		// Shorthand: output: "a.b" means path pick.
		return &OutputSpec{Path: spec}, nil
	case map[string]any:
		out := &OutputSpec{}
		if p, ok := spec["path"].(string); ok {
			out.Path = p
		}
		out.Pick = stringSlice(spec["pick"])
		out.Omit = stringSlice(spec["omit"])
		if each, ok := spec["each"].(map[string]any); ok {
			out.Each = each
		}
		return out, nil
	}
	return nil, toolerr.InvalidParams("OUTPUT_INVALID", "output must be a string or object")
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// applyOutput shapes a result according to the output directive. A path that
// resolves to nothing yields null rather than an error.
func applyOutput(result any, spec *OutputSpec) any {
	if spec == nil {
		return result
	}
	if spec.Path != "" {
		if m, ok := result.(map[string]any); ok {
			result, _ = template.Lookup(m, spec.Path)
		} else {
			result = nil
		}
	}
	if spec.Each != nil {
		if items, ok := result.([]any); ok {
			shaped := make([]any, len(items))
			eachSpec, err := parseOutputSpec(spec.Each)
			if err == nil {
				for i, item := range items {
					shaped[i] = applyOutput(item, eachSpec)
				}
				result = shaped
			}
		}
	}
	if len(spec.Pick) > 0 {
		if m, ok := result.(map[string]any); ok {
			picked := make(map[string]any, len(spec.Pick))
			for _, k := range spec.Pick {
				if v, present := m[k]; present {
					picked[k] = v
				}
			}
			result = picked
		}
	}
	if len(spec.Omit) > 0 {
		if m, ok := result.(map[string]any); ok {
			kept := make(map[string]any, len(m))
			for k, v := range m {
				kept[k] = v
			}
			for _, k := range spec.Omit {
				delete(kept, k)
			}
			result = kept
		}
	}
	return result
}

// spiller replaces oversize strings in a result tree with placeholders,
// writing the captured prefix as an artifact when the surrounding keys are
// not sensitive.
type spiller struct {
	exec       *Executor
	traceID    string
	spanID     string
	maxInline  int
	maxCapture int
	maxSpills  int
	spills     int
	counter    int
}

func newSpiller(e *Executor, traceID, spanID string) *spiller {
	return &spiller{
		exec:       e,
		traceID:    traceID,
		spanID:     spanID,
		maxInline:  paths.EnvInt("SF_MAX_INLINE_BYTES", DefaultMaxInlineBytes),
		maxCapture: paths.EnvInt("SF_MAX_CAPTURE_BYTES", DefaultMaxCaptureBytes),
		maxSpills:  paths.EnvInt("SF_MAX_SPILLS", DefaultMaxSpills),
	}
}

func (sp *spiller) walk(v any, key string, sensitive bool) any {
	sensitive = sensitive || redact.SensitiveKey(key)
	switch val := v.(type) {
	case string:
		if len(val) <= sp.maxInline {
			return val
		}
		return sp.placeholder(val, key, sensitive)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = sp.walk(item, k, sensitive)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sp.walk(item, key, sensitive)
		}
		return out
	default:
		return v
	}
}

func (sp *spiller) placeholder(s, key string, sensitive bool) map[string]any {
	sum := sha256.Sum256([]byte(s))
	ph := map[string]any{
		"truncated": true,
		"bytes":     len(s),
		"sha256":    hex.EncodeToString(sum[:]),
		"preview":   redact.Truncate(s, previewLen),
		"tail":      tail(s, tailLen),
		"artifact":  nil,
	}
	if sensitive || sp.exec.artifacts == nil || !sp.exec.artifacts.Available() || sp.spills >= sp.maxSpills {
		return ph
	}

	capture := s
	if len(capture) > sp.maxCapture {
		capture = capture[:sp.maxCapture]
	}
	sp.counter++
	name := fmt.Sprintf("%s-%d.txt", safeName(key), sp.counter)
	wr, err := sp.exec.artifacts.Write(sp.traceID, sp.spanID, name, []byte(capture))
	if err != nil || wr == nil {
		if err != nil {
			log.Warn().Err(err).Str("field", key).Msg("Result spill failed")
		}
		return ph
	}
	sp.spills++
	ph["artifact"] = map[string]any{
		"uri":       wr.URI,
		"rel":       wr.Rel,
		"bytes":     len(capture),
		"truncated": len(capture) < len(s),
	}
	return ph
}

func safeName(key string) string {
	if key == "" {
		return "value"
	}
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	// Align to a rune start.
	for i := 0; i < len(cut) && i < 3; i++ {
		if cut[i]&0xC0 != 0x80 {
			return cut[i:]
		}
	}
	return cut
}
