package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ParamType is a JSON-schema primitive type name.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Param declares one named tool argument. An empty Type accepts any value.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
	Default     any
}

// Schema is the ordered parameter list of a tool.
type Schema struct {
	Params []Param
}

// Args are validated tool arguments.
type Args map[string]any

// String returns the named argument as a string, or "".
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns the named integer argument, or fallback.
func (a Args) Int(name string, fallback int) int {
	if v, ok := a[name].(int); ok {
		return v
	}
	return fallback
}

// Validate checks args against the schema and returns a new map holding only
// declared parameters, with defaults applied and integers normalised to int.
// tool is used only for error reporting.
func (s Schema) Validate(tool string, args map[string]any) (Args, error) {
	out := make(Args, len(s.Params))
	for _, p := range s.Params {
		raw, present := args[p.Name]
		if !present || raw == nil {
			if p.Default != nil {
				out[p.Name] = p.Default
				continue
			}
			if p.Required {
				return nil, invalidArguments(tool, "missing required argument %q", p.Name)
			}
			continue
		}
		v, err := coerce(p, raw)
		if err != nil {
			return nil, invalidArguments(tool, "argument %q: %v", p.Name, err)
		}
		out[p.Name] = v
	}
	return out, nil
}

func coerce(p Param, raw any) (any, error) {
	switch p.Type {
	case "":
		return raw, nil
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		if len(p.Enum) > 0 && !contains(p.Enum, s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(p.Enum, ", "))
		}
		return s, nil
	case TypeInteger:
		f, ok := number(raw)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("expected integer, got %v", raw)
		}
		if f < math.MinInt || f >= -math.MinInt {
			return nil, fmt.Errorf("integer %v out of range", raw)
		}
		return int(f), nil
	case TypeNumber:
		f, ok := number(raw)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", raw)
		}
		return f, nil
	case TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", raw)
		}
		return b, nil
	case TypeObject:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", raw)
		}
		return m, nil
	case TypeArray:
		a, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", raw)
		}
		return a, nil
	}
	return nil, fmt.Errorf("unsupported type %q", p.Type)
}

func number(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// JSONSchema renders the schema as a JSON-schema object.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Params))
	required := make([]string, 0)
	for _, p := range s.Params {
		typ := p.Type
		if typ == "" {
			typ = TypeString
		}
		prop := map[string]any{"type": string(typ)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = append([]string(nil), p.Enum...)
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// SchemaFromJSON builds a Schema from a JSON-schema object such as the ones
// MCP servers advertise. Properties are ordered by name.
func SchemaFromJSON(properties map[string]any, required []string) Schema {
	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)
	var s Schema
	for _, name := range names {
		p := Param{Name: name, Required: contains(required, name)}
		if prop, ok := properties[name].(map[string]any); ok {
			if t, _ := prop["type"].(string); t != "" {
				p.Type = ParamType(t)
			}
			p.Description, _ = prop["description"].(string)
			p.Default = prop["default"]
			switch enum := prop["enum"].(type) {
			case []string:
				p.Enum = append(p.Enum, enum...)
			case []any:
				for _, e := range enum {
					if es, ok := e.(string); ok {
						p.Enum = append(p.Enum, es)
					}
				}
			}
		}
		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray:
		default:
			// Untyped or union-typed properties are passed through unchecked.
			p.Type = ""
		}
		s.Params = append(s.Params, p)
	}
	return s
}
