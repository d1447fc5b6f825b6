package toolserver

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/invopop/jsonschema"

	"agentline/internal/domain"
)

// reflectSchema mirrors the reflector mcp.WithInputSchema uses, so the
// advertised schema and the enforced one never drift apart.
func reflectSchema(v any) *jsonschema.Schema {
	r := jsonschema.Reflector{DoNotReference: true, Anonymous: true, AllowAdditionalProperties: true}
	s := r.Reflect(v)
	s.Version = ""
	return s
}

// validateArgs checks tool arguments against an object schema: required
// keys, unknown keys, JSON types, enums and simple bounds.
func validateArgs(s *jsonschema.Schema, args map[string]any) error {
	if s == nil {
		return nil
	}
	for _, name := range s.Required {
		if v, ok := args[name]; !ok || v == nil {
			return domain.Invalid(name, "is required")
		}
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		var prop *jsonschema.Schema
		if s.Properties != nil {
			prop, _ = s.Properties.Get(key)
		}
		if prop == nil {
			return domain.Invalid(key, "unknown argument")
		}
		if args[key] == nil {
			continue
		}
		if err := checkValue(key, prop, args[key]); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(field string, s *jsonschema.Schema, v any) error {
	switch s.Type {
	case "string":
		str, ok := v.(string)
		if !ok {
			return domain.Invalid(field, "must be a string")
		}
		if s.MinLength != nil && uint64(len(str)) < *s.MinLength {
			return domain.Invalid(field, fmt.Sprintf("must be at least %d characters", *s.MinLength))
		}
		if len(s.Enum) > 0 && !inEnum(s.Enum, str) {
			return domain.Invalid(field, fmt.Sprintf("must be one of %s", enumList(s.Enum)))
		}
	case "integer", "number":
		n, ok := toFloat(v)
		if !ok {
			return domain.Invalid(field, "must be a number")
		}
		if s.Type == "integer" && n != math.Trunc(n) {
			return domain.Invalid(field, "must be an integer")
		}
		if s.Minimum != "" {
			if min, err := s.Minimum.Float64(); err == nil && n < min {
				return domain.Invalid(field, fmt.Sprintf("must be >= %s", s.Minimum))
			}
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return domain.Invalid(field, "must be a boolean")
		}
	case "array":
		items, ok := toSlice(v)
		if !ok {
			return domain.Invalid(field, "must be an array")
		}
		if s.Items != nil {
			for i, item := range items {
				if err := checkValue(fmt.Sprintf("%s[%d]", field, i), s.Items, item); err != nil {
					return err
				}
			}
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return domain.Invalid(field, "must be an object")
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
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

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, str := range s {
			out[i] = str
		}
		return out, true
	}
	return nil, false
}

func inEnum(enum []any, v string) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == v {
			return true
		}
	}
	return false
}

func enumList(enum []any) string {
	out := ""
	for i, e := range enum {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprint(e)
	}
	return out
}
