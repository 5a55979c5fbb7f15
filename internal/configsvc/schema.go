package configsvc

import (
	"sort"
	"strings"

	"github.com/alicia-home/alicia/internal/fault"
)

// Schema is the optional per-service validation document stored under
// schemas/<service>.json. It checks top-level field presence and type;
// anything finer belongs to the consuming service.
type Schema struct {
	Fields map[string]Field `json:"fields"`
}

// Field constrains one configuration key.
type Field struct {
	Type     string `json:"type"` // string | number | bool | object
	Required bool   `json:"required"`
}

// Validate checks cfg against the schema. All violations are reported in
// one validation_failed error and nothing is committed on failure.
func (s *Schema) Validate(cfg map[string]any) error {
	if s == nil || len(s.Fields) == 0 {
		return nil
	}
	var problems []string

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := s.Fields[name]
		v, present := cfg[name]
		if !present {
			if field.Required {
				problems = append(problems, name+": required field missing")
			}
			continue
		}
		if field.Type != "" && !typeMatches(field.Type, v) {
			problems = append(problems, name+": expected "+field.Type)
		}
	}

	if len(problems) > 0 {
		return fault.New(fault.Validation, "validation_failed: "+strings.Join(problems, "; "))
	}
	return nil
}

// typeMatches checks a decoded JSON value against a schema type name. JSON
// numbers decode as float64; integers therefore satisfy "number" too.
func typeMatches(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}
