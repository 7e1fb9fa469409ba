package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Property types understood by Schema.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
)

// Property describes one named argument.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Schema is a flat object schema for tool arguments.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// JSON renders the schema in JSON-Schema form for the model.
func (s Schema) JSON() json.RawMessage {
	props := s.Properties
	if props == nil {
		props = map[string]Property{}
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	out, _ := json.Marshal(struct {
		Type                 string              `json:"type"`
		Properties           map[string]Property `json:"properties"`
		Required             []string            `json:"required"`
		AdditionalProperties bool                `json:"additionalProperties"`
	}{
		Type:       "object",
		Properties: props,
		Required:   required,
	})
	return out
}

func (s Schema) check() error {
	for name, p := range s.Properties {
		switch p.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean:
		default:
			return fmt.Errorf("property %q has unsupported type %q", name, p.Type)
		}
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return fmt.Errorf("required property %q is not declared", name)
		}
	}
	return nil
}

// Validate decodes raw model arguments and checks them against the schema.
// Empty input is treated as an empty object.
func (s Schema) Validate(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %v", err)
	}
	if args == nil {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}

	unknown := make([]string, 0)
	for name := range args {
		if _, ok := s.Properties[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown arguments %v", unknown)
	}

	for _, name := range s.Required {
		if v, ok := args[name]; !ok || v == nil {
			return nil, fmt.Errorf("missing required argument %q", name)
		}
	}

	for name, v := range args {
		if v == nil {
			delete(args, name)
			continue
		}
		coerced, err := coerce(s.Properties[name].Type, v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %v", name, err)
		}
		args[name] = coerced
	}
	return args, nil
}

func coerce(typ string, v any) (any, error) {
	switch typ {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return s, nil
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want boolean, got %T", v)
		}
		return b, nil
	case TypeNumber:
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("want number, got %T", v)
		}
		f, err := n.Float64()
		if err != nil || math.IsInf(f, 0) {
			return nil, fmt.Errorf("want finite number, got %s", n)
		}
		return f, nil
	case TypeInteger:
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("want integer, got %T", v)
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("want integer, got %s", n)
		}
		return i, nil
	default:
		return nil, fmt.Errorf("unsupported type %q", typ)
	}
}
