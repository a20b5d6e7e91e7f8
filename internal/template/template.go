// Package template expands {{path}} placeholders against a scoped context.
//
// A string that is exactly one placeholder resolves to the raw value,
// preserving its type; mixed templates stringify. A "?" prefix marks a
// placeholder optional.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MissingMode picks the value produced for an unresolvable non-optional path.
type MissingMode string

const (
	// MissingError fails expansion (the default).
	MissingError MissingMode = "error"
	// MissingEmpty produces "".
	MissingEmpty MissingMode = "empty"
	// MissingNull produces nil.
	MissingNull MissingMode = "null"
	// MissingUndefined drops the value (nil, same as null for consumers).
	MissingUndefined MissingMode = "undefined"
)

// ParseMissingMode validates a template_missing value.
func ParseMissingMode(s string) (MissingMode, error) {
	switch MissingMode(s) {
	case "", MissingError:
		return MissingError, nil
	case MissingEmpty, MissingNull, MissingUndefined:
		return MissingMode(s), nil
	}
	return "", fmt.Errorf("unknown template_missing mode: %s", s)
}

// Expand walks v, expanding every string template against ctx. Maps and
// slices are copied; other values pass through.
func Expand(v any, ctx map[string]any, mode MissingMode) (any, error) {
	switch val := v.(type) {
	case string:
		return ExpandString(val, ctx, mode)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			expanded, err := Expand(item, ctx, mode)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			expanded, err := Expand(item, ctx, mode)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}

type segment struct {
	literal  string
	path     string
	optional bool
}

// ExpandString expands one string. An exact-match placeholder preserves the
// resolved value's type.
func ExpandString(s string, ctx map[string]any, mode MissingMode) (any, error) {
	segs, err := lex(s)
	if err != nil {
		return nil, err
	}
	if len(segs) == 1 && segs[0].path != "" {
		// Exact match: return the raw value.
		seg := segs[0]
		v, ok := Lookup(ctx, seg.path)
		if !ok {
			return missingValue(seg, mode)
		}
		return v, nil
	}

	var b strings.Builder
	for _, seg := range segs {
		if seg.path == "" {
			b.WriteString(seg.literal)
			continue
		}
		v, ok := Lookup(ctx, seg.path)
		if !ok {
			mv, err := missingValue(seg, mode)
			if err != nil {
				return nil, err
			}
			if mv != nil {
				b.WriteString(Stringify(mv))
			}
			continue
		}
		b.WriteString(Stringify(v))
	}
	return b.String(), nil
}

func missingValue(seg segment, mode MissingMode) (any, error) {
	if seg.optional {
		return nil, nil
	}
	switch mode {
	case MissingEmpty:
		return "", nil
	case MissingNull, MissingUndefined:
		return nil, nil
	default:
		return nil, fmt.Errorf("unresolved template path: %s", seg.path)
	}
}

func lex(s string) ([]segment, error) {
	var segs []segment
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			break
		}
		closeIdx := strings.Index(rest[open:], "}}")
		if closeIdx < 0 {
			return nil, fmt.Errorf("unterminated placeholder in %q", s)
		}
		closeIdx += open

		if open > 0 {
			segs = append(segs, segment{literal: rest[:open]})
		}
		inner := strings.TrimSpace(rest[open+2 : closeIdx])
		optional := false
		if strings.HasPrefix(inner, "?") {
			optional = true
			inner = strings.TrimSpace(inner[1:])
		}
		if inner == "" {
			return nil, fmt.Errorf("empty placeholder in %q", s)
		}
		segs = append(segs, segment{path: inner, optional: optional})
		rest = rest[closeIdx+2:]
	}
	if rest != "" {
		segs = append(segs, segment{literal: rest})
	}
	if segs == nil {
		segs = []segment{{literal: ""}}
	}
	return segs, nil
}

// Lookup resolves a dot path against nested maps and slices. Numeric
// segments index arrays.
func Lookup(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Stringify renders a value for interpolation: scalars verbatim, composites
// as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
