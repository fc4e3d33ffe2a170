package tools

import (
	"encoding/json"

	"github.com/dmccarthy/ra-mcp-bridge/protocol"
)

// schema is a minimal JSON-Schema-shaped document: an object type with
// named properties (each carrying only a "type") and a list of required
// property names. No third-party JSON-Schema validator appears anywhere in
// the retrieval pack, and the catalogue is ten fixed, flat, non-nested
// schemas, so hand-rolling required-field and type-tag checks is simpler
// than adopting an unrelated OpenAPI/general-schema validator for them
// (see DESIGN.md).
type schema struct {
	Type       string                    `json:"type"`
	Properties map[string]schemaProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

type schemaProperty struct {
	Type string `json:"type"`
}

// validate checks args against sch: every required property must be
// present, and every present property declared in the schema must match
// its declared type. Unknown properties are accepted (the schema is
// documentation for callers, not a closed-world guard).
func validate(sch schema, args json.RawMessage) error {
	var decoded map[string]json.RawMessage
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return protocol.Errorf(protocol.KindProtocol, "tool arguments must be a JSON object: %w", err)
		}
	}

	for _, name := range sch.Required {
		if _, ok := decoded[name]; !ok {
			return protocol.Errorf(protocol.KindProtocol, "missing required argument %q", name)
		}
	}

	for name, raw := range decoded {
		prop, ok := sch.Properties[name]
		if !ok {
			continue
		}
		if err := checkType(name, prop.Type, raw); err != nil {
			return err
		}
	}

	return nil
}

func checkType(name, want string, raw json.RawMessage) error {
	if want == "" {
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return protocol.Errorf(protocol.KindProtocol, "argument %q is not valid JSON: %w", name, err)
	}

	ok := false
	switch want {
	case "string":
		_, ok = v.(string)
	case "number", "integer":
		_, ok = v.(float64)
	case "boolean":
		_, ok = v.(bool)
	case "object":
		_, ok = v.(map[string]any)
	case "array":
		_, ok = v.([]any)
	default:
		ok = true
	}
	if !ok {
		return protocol.Errorf(protocol.KindProtocol, "argument %q must be of type %s", name, want)
	}
	return nil
}

func objectSchema(properties map[string]schemaProperty, required ...string) schema {
	return schema{Type: "object", Properties: properties, Required: required}
}

func (s schema) toJSON() json.RawMessage {
	raw, err := json.Marshal(s)
	if err != nil {
		// Every schema literal in this package is constructed in Go code
		// from this file, never from untrusted input; a marshal failure
		// here would be a programming error, not a runtime condition.
		panic(err)
	}
	return raw
}

func prop(t string) schemaProperty { return schemaProperty{Type: t} }
