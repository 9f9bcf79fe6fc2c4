package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Condition is one predicate over an entity field.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
	// Values is used by in, not_in and between.
	Values []any `json:"values,omitempty"`
}

// OrderBy is one sort key.
type OrderBy struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// FilterSpec is the in-memory query applied to cache-fetch results:
// filter → sort → offset → limit → projection, in that order.
type FilterSpec struct {
	Conditions []Condition `json:"conditions,omitempty"`
	// Logic is an optional boolean expression over 1-indexed condition
	// references, e.g. "(1 AND 2) OR 3". Absent means AND of all.
	Logic         string    `json:"logic,omitempty"`
	OrderBy       []OrderBy `json:"orderBy,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	Offset        int       `json:"offset,omitempty"`
	IncludeFields []string  `json:"includeFields,omitempty"`
	ExcludeFields []string  `json:"excludeFields,omitempty"`
}

// filterSpecKeys are the argument keys the DSL consumes. Everything
// else in the arguments is provider-side filtering.
var filterSpecKeys = []string{
	"conditions", "logic", "orderBy", "limit", "offset", "includeFields", "excludeFields",
}

// ParseFilterSpec extracts the DSL portion of tool arguments. Returns
// nil when the arguments carry no DSL keys.
func ParseFilterSpec(args map[string]any) (*FilterSpec, error) {
	subset := make(map[string]any)
	for _, key := range filterSpecKeys {
		if v, ok := args[key]; ok {
			subset[key] = v
		}
	}
	if len(subset) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(subset)
	if err != nil {
		return nil, fmt.Errorf("marshal filter spec: %w", err)
	}
	var spec FilterSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse filter spec: %w", err)
	}
	return &spec, nil
}

// Apply runs the full pipeline over records. The input slice is not
// modified; projections return fresh maps.
func (s *FilterSpec) Apply(records []map[string]any) ([]map[string]any, error) {
	out := records

	if len(s.Conditions) > 0 {
		var expr logicNode
		if s.Logic != "" {
			parsed, err := parseLogic(s.Logic, len(s.Conditions))
			if err != nil {
				return nil, err
			}
			expr = parsed
		}
		filtered := make([]map[string]any, 0, len(out))
		for _, rec := range out {
			flags := make([]bool, len(s.Conditions))
			for i, cond := range s.Conditions {
				flags[i] = cond.matches(rec)
			}
			keep := true
			if expr != nil {
				keep = expr.eval(flags)
			} else {
				for _, f := range flags {
					if !f {
						keep = false
						break
					}
				}
			}
			if keep {
				filtered = append(filtered, rec)
			}
		}
		out = filtered
	}

	if len(s.OrderBy) > 0 {
		sorted := append([]map[string]any(nil), out...)
		sort.SliceStable(sorted, func(i, j int) bool {
			for _, key := range s.OrderBy {
				cmp := compareValues(fieldValue(sorted[i], key.Field), fieldValue(sorted[j], key.Field))
				if cmp == 0 {
					continue
				}
				if strings.EqualFold(key.Direction, "desc") {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
		out = sorted
	}

	if s.Offset > 0 {
		if s.Offset >= len(out) {
			out = nil
		} else {
			out = out[s.Offset:]
		}
	}
	if s.Limit > 0 && len(out) > s.Limit {
		out = out[:s.Limit]
	}

	if len(s.IncludeFields) > 0 || len(s.ExcludeFields) > 0 {
		projected := make([]map[string]any, len(out))
		for i, rec := range out {
			projected[i] = s.project(rec)
		}
		out = projected
	}
	return out, nil
}

func (s *FilterSpec) project(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	if len(s.IncludeFields) > 0 {
		for _, f := range s.IncludeFields {
			if v, ok := rec[f]; ok {
				out[f] = v
			}
		}
	} else {
		for k, v := range rec {
			out[k] = v
		}
	}
	for _, f := range s.ExcludeFields {
		delete(out, f)
	}
	return out
}

func (c Condition) matches(rec map[string]any) bool {
	v := fieldValue(rec, c.Field)
	switch c.Operator {
	case "equals":
		return compareValues(v, c.Value) == 0 && v != nil
	case "not_equals":
		return v == nil || compareValues(v, c.Value) != 0
	case "contains":
		return strings.Contains(strings.ToLower(asString(v)), strings.ToLower(asString(c.Value)))
	case "greater_than":
		return v != nil && compareValues(v, c.Value) > 0
	case "less_than":
		return v != nil && compareValues(v, c.Value) < 0
	case "in":
		for _, candidate := range c.Values {
			if compareValues(v, candidate) == 0 {
				return true
			}
		}
		return false
	case "not_in":
		for _, candidate := range c.Values {
			if compareValues(v, candidate) == 0 {
				return false
			}
		}
		return true
	case "between":
		if len(c.Values) != 2 || v == nil {
			return false
		}
		return compareValues(v, c.Values[0]) >= 0 && compareValues(v, c.Values[1]) <= 0
	case "is_null":
		return v == nil
	case "is_not_null":
		return v != nil
	default:
		return false
	}
}

// fieldValue reads a possibly dotted field path from a record.
func fieldValue(rec map[string]any, field string) any {
	if v, ok := rec[field]; ok {
		return v
	}
	parts := strings.Split(field, ".")
	var current any = rec
	for _, p := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[p]
		if !ok {
			return nil
		}
	}
	return current
}

// compareValues orders two values: numerically when both are numeric,
// lexically otherwise. Nil sorts first.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	na, aok := asFloat(a)
	nb, bok := asFloat(b)
	if aok && bok {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(asString(a), asString(b))
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
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
