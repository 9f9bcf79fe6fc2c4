// Package placeholder resolves step-output references embedded in tool
// arguments. A planner may emit arguments like
//
//	{"to": "{{ step_1.result.sender }}", "body": "Re: {{ step_1.result.subject }}"}
//
// and the resolver substitutes values from earlier step results before
// execution. Unresolvable references are left literal and reported as
// warnings rather than failing the step.
package placeholder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// refRe matches one placeholder: a step identifier followed by one or
// more field or index segments, with optional surrounding whitespace.
var refRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+)((?:\.[A-Za-z0-9_]+|\[\d+\])+)\s*\}\}`)

var segmentRe = regexp.MustCompile(`\.([A-Za-z0-9_]+)|\[(\d+)\]`)

// Resolve walks args and substitutes placeholders against results,
// which maps step ID to that step's result data. It returns a new
// argument tree (args is never mutated) plus warnings for every
// reference that could not be resolved.
//
// A string that is exactly one placeholder resolves to the referenced
// value with its type intact; placeholders embedded in longer strings
// are substituted textually.
func Resolve(args map[string]any, results map[string]any) (map[string]any, []string) {
	r := &resolver{results: results}
	out := r.resolveMap(args)
	return out, r.warnings
}

type resolver struct {
	results  map[string]any
	warnings []string
}

func (r *resolver) resolveMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.resolveValue(v)
	}
	return out
}

func (r *resolver) resolveValue(v any) any {
	switch val := v.(type) {
	case string:
		return r.resolveString(val)
	case map[string]any:
		return r.resolveMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.resolveValue(item)
		}
		return out
	default:
		return v
	}
}

func (r *resolver) resolveString(s string) any {
	// Whole-value reference: keep the resolved value's type.
	if m := refRe.FindStringSubmatch(s); m != nil && strings.TrimSpace(s) == m[0] {
		if resolved, ok := r.lookup(m[1], m[2]); ok {
			return resolved
		}
		r.warn(m[0])
		return s
	}

	return refRe.ReplaceAllStringFunc(s, func(match string) string {
		m := refRe.FindStringSubmatch(match)
		resolved, ok := r.lookup(m[1], m[2])
		if !ok {
			r.warn(match)
			return match
		}
		return stringify(resolved)
	})
}

func (r *resolver) warn(ref string) {
	r.warnings = append(r.warnings, fmt.Sprintf("unresolved reference %s", ref))
}

// lookup traverses the result of step stepID along path segments.
func (r *resolver) lookup(stepID, path string) (any, bool) {
	current, ok := r.results[stepID]
	if !ok {
		return nil, false
	}
	for _, seg := range segmentRe.FindAllStringSubmatch(path, -1) {
		switch {
		case seg[1] != "":
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[seg[1]]
			if !ok {
				return nil, false
			}
		case seg[2] != "":
			list, ok := current.([]any)
			if !ok {
				return nil, false
			}
			idx, err := strconv.Atoi(seg[2])
			if err != nil || idx >= len(list) {
				return nil, false
			}
			current = list[idx]
		}
	}
	return current, true
}

// stringify renders a resolved value for embedding inside a larger
// string. Composite values are rendered as compact JSON.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
