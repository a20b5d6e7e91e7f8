package runbook

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/sentryfrogg/sentryfrogg/internal/template"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// Predicate is a boolean AST evaluated against a runbook context. A leaf
// names a path (or a literal value) and one comparison; branches combine
// predicates with and/or/not.
type Predicate struct {
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`

	Exists    *bool    `json:"exists,omitempty"`
	Equals    any      `json:"equals,omitempty"`
	NotEquals any      `json:"not_equals,omitempty"`
	In        []any    `json:"in,omitempty"`
	Contains  any      `json:"contains,omitempty"`
	GT        *float64 `json:"gt,omitempty"`
	GTE       *float64 `json:"gte,omitempty"`
	LT        *float64 `json:"lt,omitempty"`
	LTE       *float64 `json:"lte,omitempty"`

	And []*Predicate `json:"and,omitempty"`
	Or  []*Predicate `json:"or,omitempty"`
	Not *Predicate   `json:"not,omitempty"`
}

// Eval evaluates the predicate against ctx. A nil predicate is true.
func (p *Predicate) Eval(ctx map[string]any) (bool, error) {
	if p == nil {
		return true, nil
	}
	if len(p.And) > 0 {
		for _, sub := range p.And {
			ok, err := sub.Eval(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if len(p.Or) > 0 {
		for _, sub := range p.Or {
			ok, err := sub.Eval(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if p.Not != nil {
		ok, err := p.Not.Eval(ctx)
		return !ok, err
	}
	return p.evalLeaf(ctx)
}

func (p *Predicate) evalLeaf(ctx map[string]any) (bool, error) {
	var subject any
	var found bool
	switch {
	case p.Path != "":
		subject, found = template.Lookup(ctx, p.Path)
	case p.Value != nil:
		subject, found = resolveValue(p.Value, ctx)
	default:
		return false, toolerr.InvalidParams("RUNBOOK_INVALID", "predicate needs a path or value")
	}

	if p.Exists != nil {
		return found == *p.Exists, nil
	}
	if !found {
		// Comparisons against a missing subject fail closed, except
		// not_equals which is vacuously true.
		return p.NotEquals != nil, nil
	}

	switch {
	case p.Equals != nil:
		return looseEqual(subject, p.Equals), nil
	case p.NotEquals != nil:
		return !looseEqual(subject, p.NotEquals), nil
	case p.In != nil:
		for _, candidate := range p.In {
			if looseEqual(subject, candidate) {
				return true, nil
			}
		}
		return false, nil
	case p.Contains != nil:
		return contains(subject, p.Contains), nil
	case p.GT != nil:
		return compareNum(subject, *p.GT, func(a, b float64) bool { return a > b }), nil
	case p.GTE != nil:
		return compareNum(subject, *p.GTE, func(a, b float64) bool { return a >= b }), nil
	case p.LT != nil:
		return compareNum(subject, *p.LT, func(a, b float64) bool { return a < b }), nil
	case p.LTE != nil:
		return compareNum(subject, *p.LTE, func(a, b float64) bool { return a <= b }), nil
	}

	// Bare path/value predicate: truthiness.
	return truthy(subject), nil
}

// resolveValue expands a template-bearing literal; a plain literal passes
// through.
func resolveValue(v any, ctx map[string]any) (any, bool) {
	s, ok := v.(string)
	if !ok {
		return v, true
	}
	expanded, err := template.ExpandString(s, ctx, template.MissingNull)
	if err != nil {
		return nil, false
	}
	if expanded == nil {
		return nil, false
	}
	return expanded, true
}

func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	// Numbers compare by value regardless of concrete type.
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func compareNum(subject any, bound float64, cmp func(a, b float64) bool) bool {
	f, ok := asFloat(subject)
	if !ok {
		return false
	}
	return cmp(f, bound)
}

func contains(subject, needle any) bool {
	switch s := subject.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(s, n)
	case []any:
		for _, item := range s {
			if looseEqual(item, needle) {
				return true
			}
		}
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := s[key]
		return present
	}
	return false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}
